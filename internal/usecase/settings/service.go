package settings

import (
	"context"
	"fmt"
	"sync"

	"tg-resume-bot/internal/domain"
)

// Ключи настроек приложения.
const (
	KeyAIProvider  = "ai_provider"
	KeyGeminiModel = "gemini_model"
	KeyOpenAIModel = "openai_model"
)

// Service хранит настройки приложения с кешем в памяти.
// Чтение идёт из кеша, запись проходит сквозь репозиторий.
type Service struct {
	repo     domain.SettingsRepo
	defaults domain.AISettings

	mu     sync.RWMutex
	values map[string]string
}

// NewService создаёт сервис настроек и прогревает кеш из репозитория.
func NewService(ctx context.Context, repo domain.SettingsRepo, defaults domain.AISettings) (*Service, error) {
	stored, err := repo.GetAllSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("загрузка настроек: %w", err)
	}
	values := make(map[string]string, len(stored))
	for k, v := range stored {
		values[k] = v
	}
	return &Service{repo: repo, defaults: defaults, values: values}, nil
}

// Current возвращает действующие настройки суммаризации.
// Отсутствующие ключи заполняются значениями по умолчанию.
func (s *Service) Current() domain.AISettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.defaults
	if v, ok := s.values[KeyAIProvider]; ok && v != "" {
		out.Provider = v
	}
	if v, ok := s.values[KeyGeminiModel]; ok && v != "" {
		out.GeminiModel = v
	}
	if v, ok := s.values[KeyOpenAIModel]; ok && v != "" {
		out.OpenAIModel = v
	}
	return out
}

// Get возвращает значение ключа из кеша.
func (s *Service) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// All возвращает копию всех сохранённых настроек.
func (s *Service) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set сохраняет значение ключа и обновляет кеш.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.repo.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("сохранение настройки %q: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}
