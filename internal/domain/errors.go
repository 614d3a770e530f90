package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited сигнализирует вызывающему, что провайдер троттлит и пост
// нужно пропустить до следующего цикла.
var ErrRateLimited = errors.New("провайдер ограничил частоту запросов")

// ErrNotFound возвращается репозиториями при отсутствии записи.
var ErrNotFound = errors.New("запись не найдена")

// Ошибки мастера авторизации вспомогательной сессии.
var (
	ErrCodeInvalid     = errors.New("неверный код подтверждения")
	ErrCodeExpired     = errors.New("код подтверждения истёк")
	ErrPasswordInvalid = errors.New("неверный пароль двухфакторной аутентификации")
	ErrPasswordNeeded  = errors.New("требуется пароль двухфакторной аутентификации")
	ErrNotAuthorized   = errors.New("вспомогательная сессия не авторизована")
	ErrWizardStep      = errors.New("операция не соответствует текущему шагу мастера")
)

// FloodWaitError переносит паузу, запрошенную провайдером.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("провайдер требует паузу %s", e.Wait)
}
