package settings

import (
	"context"
	"testing"

	"tg-resume-bot/internal/domain"
)

type memSettingsRepo struct {
	values map[string]string
}

func (r *memSettingsRepo) GetAllSettings(context.Context) (map[string]string, error) {
	return r.values, nil
}
func (r *memSettingsRepo) SetSetting(_ context.Context, key, value string) error {
	if r.values == nil {
		r.values = map[string]string{}
	}
	r.values[key] = value
	return nil
}

var defaults = domain.AISettings{Provider: "gemini", GeminiModel: "gemini-2.0-flash", OpenAIModel: "gpt-4.1-mini"}

func TestCurrentUsesDefaults(t *testing.T) {
	svc, err := NewService(context.Background(), &memSettingsRepo{}, defaults)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	current := svc.Current()
	if current != defaults {
		t.Fatalf("ожидали значения по умолчанию, получили %+v", current)
	}
}

func TestCurrentPrefersStoredValues(t *testing.T) {
	repo := &memSettingsRepo{values: map[string]string{
		KeyAIProvider:  "openai",
		KeyOpenAIModel: "gpt-4o",
	}}
	svc, err := NewService(context.Background(), repo, defaults)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	current := svc.Current()
	if current.Provider != "openai" {
		t.Fatalf("ожидали провайдера openai, получили %s", current.Provider)
	}
	if current.OpenAIModel != "gpt-4o" {
		t.Fatalf("ожидали модель gpt-4o, получили %s", current.OpenAIModel)
	}
	if current.GeminiModel != defaults.GeminiModel {
		t.Fatal("незаданные ключи берутся из значений по умолчанию")
	}
}

func TestSetIsWriteThroughAndHot(t *testing.T) {
	repo := &memSettingsRepo{}
	svc, err := NewService(context.Background(), repo, defaults)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if err := svc.Set(context.Background(), KeyAIProvider, "openai"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Смена действует сразу, без перезапуска.
	if svc.Current().Provider != "openai" {
		t.Fatal("новое значение должно читаться сразу после записи")
	}
	if repo.values[KeyAIProvider] != "openai" {
		t.Fatal("значение должно сохраняться в репозитории")
	}
}
