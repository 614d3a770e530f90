package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/gemini"
	"tg-resume-bot/internal/usecase/settings"
	"tg-resume-bot/internal/usecase/tracking"
	userbotuc "tg-resume-bot/internal/usecase/userbot"
)

// statsProvider отдаёт счётчики дашборда.
type statsProvider interface {
	Statistics(ctx context.Context) (domain.Stats, error)
}

// GeminiAPI — операции Gemini, нужные дашборду.
type GeminiAPI interface {
	ListModels(ctx context.Context) ([]gemini.ModelInfo, error)
	Ping(ctx context.Context) error
}

// OpenAIAPI — операции OpenAI, нужные дашборду.
type OpenAIAPI interface {
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// Server обслуживает JSON API дашборда. Авторизация — пароль администратора
// в обмен на bearer-токен.
type Server struct {
	log        zerolog.Logger
	users      domain.UserRepo
	channels   domain.ChannelRepo
	subs       domain.SubscriptionRepo
	posts      domain.PostRepo
	stats      statsProvider
	settingsUC *settings.Service
	wizardUC   *userbotuc.Service
	aux        domain.AuxClient
	gemini     GeminiAPI
	openai     OpenAIAPI
	cache      domain.Cache
	webhook    http.HandlerFunc

	adminPassword string
	jwtSecret     []byte
	tokenTTL      time.Duration
}

// Deps перечисляет зависимости сервера дашборда.
type Deps struct {
	Log        zerolog.Logger
	Users      domain.UserRepo
	Channels   domain.ChannelRepo
	Subs       domain.SubscriptionRepo
	Posts      domain.PostRepo
	Stats      statsProvider
	SettingsUC *settings.Service
	WizardUC   *userbotuc.Service
	Aux        domain.AuxClient
	Gemini     GeminiAPI
	OpenAI     OpenAIAPI
	Cache      domain.Cache
	Webhook    http.HandlerFunc

	AdminPassword string
	JWTSecret     string
	TokenTTL      time.Duration
}

// NewServer создаёт сервер дашборда.
func NewServer(deps Deps) *Server {
	return &Server{
		log:           deps.Log,
		users:         deps.Users,
		channels:      deps.Channels,
		subs:          deps.Subs,
		posts:         deps.Posts,
		stats:         deps.Stats,
		settingsUC:    deps.SettingsUC,
		wizardUC:      deps.WizardUC,
		aux:           deps.Aux,
		gemini:        deps.Gemini,
		openai:        deps.OpenAI,
		cache:         deps.Cache,
		webhook:       deps.Webhook,
		adminPassword: deps.AdminPassword,
		jwtSecret:     []byte(deps.JWTSecret),
		tokenTTL:      deps.TokenTTL,
	}
}

// Mount регистрирует маршруты на роутере.
func (s *Server) Mount(r chi.Router) {
	if s.webhook != nil {
		r.Post("/bot/webhook", s.webhook)
	}
	r.Post("/api/login", s.handleLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.authMiddleware)

		protected.Get("/api/stats", s.handleStats)
		protected.Get("/api/users", s.handleListUsers)
		protected.Delete("/api/users/{id}", s.handleDeleteUser)
		protected.Get("/api/channels", s.handleListChannels)
		protected.Patch("/api/channels/{id}", s.handlePatchChannel)
		protected.Delete("/api/channels/{id}", s.handleDeleteChannel)
		protected.Get("/api/subscriptions", s.handleListSubscriptions)
		protected.Get("/api/posts", s.handleListPosts)
		protected.Get("/api/settings/ai", s.handleGetAISettings)
		protected.Put("/api/settings/ai", s.handlePutAISettings)
		protected.Get("/api/ai/models", s.handleListModels)
		protected.Get("/api/ai/health", s.handleAIHealth)

		protected.Get("/api/userbot/status", s.handleWizardStatus)
		protected.Post("/api/userbot/start", s.handleWizardStart)
		protected.Post("/api/userbot/code", s.handleWizardCode)
		protected.Post("/api/userbot/password", s.handleWizardPassword)
		protected.Post("/api/userbot/logout", s.handleWizardLogout)
		protected.Post("/api/userbot/join", s.handleWizardJoin)
		protected.Get("/api/userbot/channels/{username}/messages", s.handleWizardMessages)
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.adminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, "неверный пароль")
		return
	}
	now := time.Now()
	expires := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось выписать токен")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

// authMiddleware пропускает только запросы с действующим bearer-токеном.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "требуется авторизация")
			return
		}
		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("неожиданный метод подписи %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "токен недействителен")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Statistics(r.Context())
	if err != nil {
		s.internalError(w, "статистика", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type userResponse struct {
	ID        int64     `json:"id"`
	TGUserID  int64     `json:"tg_user_id"`
	Username  string    `json:"username"`
	FirstName string    `json:"first_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListUsers(r.Context())
	if err != nil {
		s.internalError(w, "список пользователей", err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{
			ID: u.ID, TGUserID: u.TGUserID, Username: u.Username,
			FirstName: u.FirstName, CreatedAt: u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	if err := s.users.DeleteUser(r.Context(), id); err != nil {
		s.internalError(w, "удаление пользователя", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type channelResponse struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	Title         string     `json:"title"`
	LastPostID    int64      `json:"last_post_id"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.ListChannels(r.Context())
	if err != nil {
		s.internalError(w, "список каналов", err)
		return
	}
	out := make([]channelResponse, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelResponse{
			ID: ch.ID, Username: ch.Username, Title: ch.Title,
			LastPostID: ch.LastPostID, IsActive: ch.IsActive,
			CreatedAt: ch.CreatedAt, LastCheckedAt: ch.LastCheckedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type patchChannelRequest struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) handlePatchChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	var req patchChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		writeError(w, http.StatusBadRequest, "требуется поле is_active")
		return
	}
	if err := s.channels.SetActive(r.Context(), id, *req.IsActive); err != nil {
		s.internalError(w, "смена статуса канала", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	if err := s.channels.DeleteChannel(r.Context(), id); err != nil {
		s.internalError(w, "удаление канала", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ChannelID int64     `json:"channel_id"`
	Username  string    `json:"user_username"`
	Channel   string    `json:"channel_username"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.ListSubscriptions(r.Context())
	if err != nil {
		s.internalError(w, "список подписок", err)
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionResponse{
			ID: sub.ID, UserID: sub.UserID, ChannelID: sub.ChannelID,
			Username: sub.User.Username, Channel: sub.Channel.Username,
			CreatedAt: sub.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type postResponse struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	PostID    int64     `json:"post_id"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit должен быть числом от 1 до 500")
			return
		}
		limit = parsed
	}
	posts, err := s.posts.ListRecentPosts(r.Context(), limit)
	if err != nil {
		s.internalError(w, "список постов", err)
		return
	}
	out := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		out = append(out, postResponse{
			ID: p.ID, ChannelID: p.ChannelID, PostID: p.PostID,
			Content: p.Content, Summary: p.Summary, CreatedAt: p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type aiSettingsPayload struct {
	Provider    string `json:"provider"`
	GeminiModel string `json:"gemini_model"`
	OpenAIModel string `json:"openai_model"`
}

func (s *Server) handleGetAISettings(w http.ResponseWriter, r *http.Request) {
	current := s.settingsUC.Current()
	writeJSON(w, http.StatusOK, aiSettingsPayload{
		Provider:    current.Provider,
		GeminiModel: current.GeminiModel,
		OpenAIModel: current.OpenAIModel,
	})
}

func (s *Server) handlePutAISettings(w http.ResponseWriter, r *http.Request) {
	var req aiSettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса")
		return
	}
	if req.Provider != "" && req.Provider != "gemini" && req.Provider != "openai" {
		writeError(w, http.StatusBadRequest, "provider должен быть gemini или openai")
		return
	}
	updates := map[string]string{}
	if req.Provider != "" {
		updates[settings.KeyAIProvider] = req.Provider
	}
	if req.GeminiModel != "" {
		updates[settings.KeyGeminiModel] = req.GeminiModel
	}
	if req.OpenAIModel != "" {
		updates[settings.KeyOpenAIModel] = req.OpenAIModel
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "нет полей для обновления")
		return
	}
	for key, value := range updates {
		if err := s.settingsUC.Set(r.Context(), key, value); err != nil {
			s.internalError(w, "сохранение настроек", err)
			return
		}
	}
	s.handleGetAISettings(w, r)
}

type modelsResponse struct {
	Gemini []string `json:"gemini"`
	OpenAI []string `json:"openai"`
}

// Список моделей меняется редко, ответ провайдеров кешируется.
const (
	modelsCacheKey = "ai:models"
	modelsCacheTTL = 10 * time.Minute
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if data, err := s.cache.Get(modelsCacheKey); err == nil && len(data) > 0 {
			var cached modelsResponse
			if json.Unmarshal(data, &cached) == nil {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}
	}

	out := modelsResponse{Gemini: []string{}, OpenAI: []string{}}
	if s.gemini != nil {
		models, err := s.gemini.ListModels(r.Context())
		if err != nil {
			s.log.Warn().Err(err).Msg("не удалось получить модели gemini")
		}
		for _, m := range models {
			out.Gemini = append(out.Gemini, strings.TrimPrefix(m.Name, "models/"))
		}
	}
	if s.openai != nil {
		models, err := s.openai.ListModels(r.Context())
		if err != nil {
			s.log.Warn().Err(err).Msg("не удалось получить модели openai")
		}
		out.OpenAI = append(out.OpenAI, models...)
	}
	if s.cache != nil {
		if data, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(modelsCacheKey, data, modelsCacheTTL); err != nil {
				s.log.Warn().Err(err).Msg("не удалось закешировать список моделей")
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type healthEntry struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleAIHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]healthEntry{}
	if s.gemini != nil {
		out["gemini"] = pingEntry(s.gemini.Ping(r.Context()))
	}
	if s.openai != nil {
		out["openai"] = pingEntry(s.openai.Ping(r.Context()))
	}
	writeJSON(w, http.StatusOK, out)
}

func pingEntry(err error) healthEntry {
	if err != nil {
		return healthEntry{Status: "error", Error: err.Error()}
	}
	return healthEntry{Status: "ok"}
}

type wizardStatusResponse struct {
	State     string    `json:"state"`
	Phone     string    `json:"phone,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func wizardStatus(session domain.AuxSession) wizardStatusResponse {
	return wizardStatusResponse{
		State:     string(session.State),
		Phone:     session.Phone,
		LastError: session.LastError,
		UpdatedAt: session.UpdatedAt,
	}
}

func (s *Server) handleWizardStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.wizardUC.Status(r.Context())
	if err != nil {
		s.internalError(w, "состояние мастера", err)
		return
	}
	writeJSON(w, http.StatusOK, wizardStatus(session))
}

type wizardStartRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleWizardStart(w http.ResponseWriter, r *http.Request) {
	var req wizardStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Phone) == "" {
		writeError(w, http.StatusBadRequest, "требуется поле phone")
		return
	}
	session, err := s.wizardUC.StartLogin(r.Context(), strings.TrimSpace(req.Phone))
	s.writeWizardResult(w, session, err)
}

type wizardCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleWizardCode(w http.ResponseWriter, r *http.Request) {
	var req wizardCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "требуется поле code")
		return
	}
	session, err := s.wizardUC.SubmitCode(r.Context(), strings.TrimSpace(req.Code))
	s.writeWizardResult(w, session, err)
}

type wizardPasswordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleWizardPassword(w http.ResponseWriter, r *http.Request) {
	var req wizardPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "требуется поле password")
		return
	}
	session, err := s.wizardUC.SubmitPassword(r.Context(), req.Password)
	s.writeWizardResult(w, session, err)
}

func (s *Server) handleWizardLogout(w http.ResponseWriter, r *http.Request) {
	session, err := s.wizardUC.Logout(r.Context())
	s.writeWizardResult(w, session, err)
}

// writeWizardResult переводит исход шага мастера в HTTP-ответ. Ошибки
// ввода отдаются с кодом 422 вместе с актуальным состоянием.
func (s *Server) writeWizardResult(w http.ResponseWriter, session domain.AuxSession, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, wizardStatus(session))
	case errors.Is(err, domain.ErrWizardStep):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrCodeInvalid),
		errors.Is(err, domain.ErrCodeExpired),
		errors.Is(err, domain.ErrPasswordInvalid):
		resp := wizardStatus(session)
		resp.LastError = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		var flood *domain.FloodWaitError
		if errors.As(err, &flood) {
			writeError(w, http.StatusTooManyRequests, flood.Error())
			return
		}
		s.internalError(w, "шаг мастера", err)
	}
}

type wizardJoinRequest struct {
	Channel string `json:"channel"`
}

func (s *Server) handleWizardJoin(w http.ResponseWriter, r *http.Request) {
	var req wizardJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Channel) == "" {
		writeError(w, http.StatusBadRequest, "требуется поле channel")
		return
	}
	username := tracking.NormalizeUsername(req.Channel)
	if err := s.aux.JoinChannel(r.Context(), username); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "канал не найден")
			return
		}
		s.internalError(w, "вступление в канал", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type channelMessageResponse struct {
	ID         int64     `json:"id"`
	Date       time.Time `json:"date"`
	Text       string    `json:"text"`
	MediaTypes []string  `json:"media_types,omitempty"`
}

func (s *Server) handleWizardMessages(w http.ResponseWriter, r *http.Request) {
	username := tracking.NormalizeUsername(chi.URLParam(r, "username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "некорректное имя канала")
		return
	}
	afterID := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "after должен быть неотрицательным числом")
			return
		}
		afterID = parsed
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "limit должен быть числом от 1 до 100")
			return
		}
		limit = parsed
	}
	messages, err := s.aux.ListMessages(r.Context(), username, afterID, limit)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "канал не найден")
			return
		}
		s.internalError(w, "сообщения канала", err)
		return
	}
	out := make([]channelMessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, channelMessageResponse{ID: m.ID, Date: m.Date, Text: m.Text, MediaTypes: m.MediaTypes})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error().Err(err).Str("op", op).Msg("ошибка обработки запроса")
	writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "некорректный идентификатор")
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = w.Write([]byte(`{"error":"encode failure"}`))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
