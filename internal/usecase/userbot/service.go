package userbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
)

// Service ведёт мастер авторизации вспомогательной сессии. Состояние
// хранится в единственной записи репозитория и переживает перезапуск
// процесса; хеш кода подтверждения живёт только в памяти, поэтому после
// перезапуска незавершённый вход нужно начинать заново.
type Service struct {
	gateway domain.SessionGateway
	repo    domain.SessionRepo
	log     zerolog.Logger

	mu       sync.Mutex
	codeHash string
	phone    string

	now func() time.Time
}

// NewService создаёт сервис мастера авторизации.
func NewService(gateway domain.SessionGateway, repo domain.SessionRepo, log zerolog.Logger) *Service {
	return &Service{gateway: gateway, repo: repo, log: log, now: time.Now}
}

// Status возвращает текущее состояние мастера.
func (s *Service) Status(ctx context.Context) (domain.AuxSession, error) {
	return s.repo.LoadAuxSession(ctx)
}

// StartLogin начинает вход: запрашивает код подтверждения на телефон.
// Разрешён из любого состояния и сбрасывает незавершённый вход.
func (s *Service) StartLogin(ctx context.Context, phone string) (domain.AuxSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codeHash, err := s.gateway.SendCode(ctx, phone)
	if err != nil {
		return s.fail(ctx, phone, fmt.Errorf("отправка кода: %w", err))
	}
	s.codeHash = codeHash
	s.phone = phone
	return s.transition(ctx, domain.AuxSession{State: domain.AuthWaitingCode, Phone: phone})
}

// SubmitCode подтверждает вход кодом из Telegram. Разрешён только из
// состояния ожидания кода.
func (s *Service) SubmitCode(ctx context.Context, code string) (domain.AuxSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.LoadAuxSession(ctx)
	if err != nil {
		return domain.AuxSession{}, fmt.Errorf("состояние мастера: %w", err)
	}
	if current.State != domain.AuthWaitingCode {
		return current, domain.ErrWizardStep
	}
	if s.codeHash == "" {
		// Процесс перезапускался после отправки кода.
		return s.fail(ctx, current.Phone, errors.New("сессия мастера утеряна, начните вход заново"))
	}

	err = s.gateway.SignIn(ctx, s.phone, s.codeHash, code)
	switch {
	case err == nil:
		s.codeHash = ""
		return s.transition(ctx, domain.AuxSession{State: domain.AuthAuthorized, Phone: current.Phone})
	case errors.Is(err, domain.ErrPasswordNeeded):
		return s.transition(ctx, domain.AuxSession{State: domain.AuthWaitingPassword, Phone: current.Phone})
	case errors.Is(err, domain.ErrCodeInvalid):
		s.codeHash = ""
		return s.fail(ctx, current.Phone, err)
	case errors.Is(err, domain.ErrCodeExpired):
		s.codeHash = ""
		return s.fail(ctx, current.Phone, err)
	default:
		return s.fail(ctx, current.Phone, fmt.Errorf("подтверждение кода: %w", err))
	}
}

// SubmitPassword завершает вход паролем двухфакторной аутентификации.
// Разрешён только из состояния ожидания пароля.
func (s *Service) SubmitPassword(ctx context.Context, password string) (domain.AuxSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.LoadAuxSession(ctx)
	if err != nil {
		return domain.AuxSession{}, fmt.Errorf("состояние мастера: %w", err)
	}
	if current.State != domain.AuthWaitingPassword {
		return current, domain.ErrWizardStep
	}

	err = s.gateway.CheckPassword(ctx, password)
	switch {
	case err == nil:
		s.codeHash = ""
		return s.transition(ctx, domain.AuxSession{State: domain.AuthAuthorized, Phone: current.Phone})
	case errors.Is(err, domain.ErrPasswordInvalid):
		return s.fail(ctx, current.Phone, err)
	default:
		return s.fail(ctx, current.Phone, fmt.Errorf("проверка пароля: %w", err))
	}
}

// Logout завершает сессию у провайдера и очищает сохранённые данные.
func (s *Service) Logout(ctx context.Context) (domain.AuxSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gateway.Logout(ctx); err != nil {
		s.log.Warn().Err(err).Msg("выход из вспомогательной сессии не удался, данные всё равно очищаются")
	}
	if err := s.repo.ClearSessionData(ctx); err != nil {
		return domain.AuxSession{}, fmt.Errorf("очистка данных сессии: %w", err)
	}
	s.codeHash = ""
	s.phone = ""
	return s.transition(ctx, domain.AuxSession{State: domain.AuthNotStarted})
}

// transition сохраняет новое состояние мастера.
func (s *Service) transition(ctx context.Context, next domain.AuxSession) (domain.AuxSession, error) {
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveAuxSession(ctx, next); err != nil {
		return domain.AuxSession{}, fmt.Errorf("сохранение состояния мастера: %w", err)
	}
	s.log.Info().Str("state", string(next.State)).Msg("мастер авторизации перешёл в новое состояние")
	return next, nil
}

// fail переводит мастер в состояние ошибки и возвращает исходную ошибку.
func (s *Service) fail(ctx context.Context, phone string, cause error) (domain.AuxSession, error) {
	next := domain.AuxSession{State: domain.AuthError, Phone: phone, LastError: cause.Error(), UpdatedAt: s.now().UTC()}
	if saveErr := s.repo.SaveAuxSession(ctx, next); saveErr != nil {
		s.log.Error().Err(saveErr).Msg("не удалось сохранить состояние ошибки мастера")
	}
	return next, cause
}
