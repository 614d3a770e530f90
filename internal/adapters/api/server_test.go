package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/gemini"
	"tg-resume-bot/internal/usecase/settings"
)

type stubChannelRepo struct {
	channels []domain.Channel
	active   map[int64]bool
	deleted  map[int64]bool
}

func (s *stubChannelRepo) UpsertChannel(context.Context, string, string, int64) (domain.Channel, error) {
	return domain.Channel{}, fmt.Errorf("не используется")
}

func (s *stubChannelRepo) GetByUsername(context.Context, string) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrNotFound
}

func (s *stubChannelRepo) ListChannels(context.Context) ([]domain.Channel, error) {
	return s.channels, nil
}

func (s *stubChannelRepo) ListActiveChannels(context.Context) ([]domain.Channel, error) {
	return s.channels, nil
}

func (s *stubChannelRepo) SetActive(_ context.Context, id int64, active bool) error {
	if s.active == nil {
		s.active = map[int64]bool{}
	}
	s.active[id] = active
	return nil
}

func (s *stubChannelRepo) AdvanceWatermark(context.Context, int64, int64) error { return nil }

func (s *stubChannelRepo) TouchChecked(context.Context, int64, time.Time) error { return nil }

func (s *stubChannelRepo) DeleteChannel(_ context.Context, id int64) error {
	if s.deleted == nil {
		s.deleted = map[int64]bool{}
	}
	s.deleted[id] = true
	return nil
}

type stubPostRepo struct {
	posts []domain.Post
}

func (s *stubPostRepo) SavePost(context.Context, domain.Post) (bool, error) { return false, nil }

func (s *stubPostRepo) ListRecentPosts(_ context.Context, limit int) ([]domain.Post, error) {
	if limit < len(s.posts) {
		return s.posts[:limit], nil
	}
	return s.posts, nil
}

type stubStats struct{}

func (stubStats) Statistics(context.Context) (domain.Stats, error) {
	return domain.Stats{TotalUsers: 2, TotalChannels: 1}, nil
}

type memSettingsRepo struct {
	values map[string]string
}

func (m *memSettingsRepo) GetAllSettings(context.Context) (map[string]string, error) {
	return m.values, nil
}

func (m *memSettingsRepo) SetSetting(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

type stubGeminiAPI struct {
	models []gemini.ModelInfo
	err    error
	calls  int
}

func (s *stubGeminiAPI) ListModels(context.Context) ([]gemini.ModelInfo, error) {
	s.calls++
	return s.models, s.err
}

func (s *stubGeminiAPI) Ping(context.Context) error { return s.err }

type stubOpenAIAPI struct {
	models []string
	calls  int
}

func (s *stubOpenAIAPI) ListModels(context.Context) ([]string, error) {
	s.calls++
	return s.models, nil
}

func (s *stubOpenAIAPI) Ping(context.Context) error { return nil }

type memCache struct {
	values map[string][]byte
}

func (m *memCache) Once(_ string, _ time.Duration, fn func() error) error { return fn() }

func (m *memCache) Set(key string, value []byte, _ time.Duration) error {
	if m.values == nil {
		m.values = map[string][]byte{}
	}
	m.values[key] = value
	return nil
}

func (m *memCache) Get(key string) ([]byte, error) {
	data, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("ключ не найден")
	}
	return data, nil
}

type testEnv struct {
	router   chi.Router
	channels *stubChannelRepo
	gemini   *stubGeminiAPI
	openai   *stubOpenAIAPI
	settings *settings.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	settingsUC, err := settings.NewService(context.Background(), &memSettingsRepo{}, domain.AISettings{
		Provider:    "gemini",
		GeminiModel: "gemini-2.0-flash",
		OpenAIModel: "gpt-4.1-mini",
	})
	if err != nil {
		t.Fatalf("настройки: %v", err)
	}

	env := &testEnv{
		channels: &stubChannelRepo{channels: []domain.Channel{
			{ID: 1, Username: "tech_news", Title: "Tech News", LastPostID: 42, IsActive: true, CreatedAt: time.Now()},
		}},
		gemini:   &stubGeminiAPI{models: []gemini.ModelInfo{{Name: "models/gemini-2.0-flash"}}},
		openai:   &stubOpenAIAPI{models: []string{"gpt-4.1-mini"}},
		settings: settingsUC,
	}

	srv := NewServer(Deps{
		Log:      zerolog.Nop(),
		Channels: env.channels,
		Posts: &stubPostRepo{posts: []domain.Post{
			{ID: 1, ChannelID: 1, PostID: 42, Summary: "резюме"},
		}},
		Stats:         stubStats{},
		SettingsUC:    settingsUC,
		Gemini:        env.gemini,
		OpenAI:        env.openai,
		Cache:         &memCache{},
		AdminPassword: "secret",
		JWTSecret:     "test-jwt-secret",
		TokenTTL:      time.Hour,
	})
	router := chi.NewRouter()
	srv.Mount(router)
	env.router = router
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("кодирование тела: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/login", "", loginRequest{Password: "secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("логин: ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ответ логина: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("токен пуст")
	}
	return resp.Token
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/login", "", loginRequest{Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("ожидали 401, получили %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/channels", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("без токена ожидали 401, получили %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/channels", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("с мусорным токеном ожидали 401, получили %d", rec.Code)
	}
}

func TestListChannels(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/channels", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var out []channelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("ответ: %v", err)
	}
	if len(out) != 1 || out[0].Username != "tech_news" || out[0].LastPostID != 42 {
		t.Fatalf("неожиданный список каналов: %+v", out)
	}
}

func TestPatchChannel(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPatch, "/api/channels/1", token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("без is_active ожидали 400, получили %d", rec.Code)
	}

	active := false
	rec = env.do(t, http.MethodPatch, "/api/channels/1", token, patchChannelRequest{IsActive: &active})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d: %s", rec.Code, rec.Body.String())
	}
	if got, ok := env.channels.active[1]; !ok || got {
		t.Fatalf("канал должен быть выключен, active=%v", env.channels.active)
	}
}

func TestListPostsLimitValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	for _, limit := range []string{"0", "-5", "501", "abc"} {
		rec := env.do(t, http.MethodGet, "/api/posts?limit="+limit, token, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: ожидали 400, получили %d", limit, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/posts?limit=10", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}

func TestPutAISettings(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPut, "/api/settings/ai", token, aiSettingsPayload{Provider: "claude"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("неизвестный провайдер: ожидали 400, получили %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/settings/ai", token, aiSettingsPayload{Provider: "openai"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	if current := env.settings.Current(); current.Provider != "openai" {
		t.Fatalf("провайдер не переключился: %+v", current)
	}
	// Не переданные поля остаются прежними.
	if current := env.settings.Current(); current.GeminiModel != "gemini-2.0-flash" {
		t.Fatalf("модель gemini не должна меняться: %+v", current)
	}
}

func TestListModelsCachesResponse(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/ai/models", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var out modelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("ответ: %v", err)
	}
	if len(out.Gemini) != 1 || out.Gemini[0] != "gemini-2.0-flash" {
		t.Fatalf("префикс models/ должен срезаться: %+v", out.Gemini)
	}
	if len(out.OpenAI) != 1 || out.OpenAI[0] != "gpt-4.1-mini" {
		t.Fatalf("неожиданный список openai: %+v", out.OpenAI)
	}

	// Повторный запрос отдаётся из кеша без похода к провайдерам.
	rec = env.do(t, http.MethodGet, "/api/ai/models", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if env.gemini.calls != 1 || env.openai.calls != 1 {
		t.Fatalf("ожидали по одному вызову провайдеров, получили gemini=%d openai=%d", env.gemini.calls, env.openai.calls)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/stats", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"total_users":2`) {
		t.Fatalf("неожиданное тело статистики: %s", rec.Body.String())
	}
}
