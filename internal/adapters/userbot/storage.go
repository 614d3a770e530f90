package userbot

import (
	"context"
	"fmt"

	"github.com/gotd/td/session"

	"tg-resume-bot/internal/domain"
)

// SessionStorage хранит данные MTProto-сессии в Postgres через SessionRepo.
// Пустая запись транслируется в session.ErrNotFound, как того требует gotd.
type SessionStorage struct {
	repo domain.SessionRepo
}

var _ session.Storage = (*SessionStorage)(nil)

// NewSessionStorage создаёт хранилище сессии поверх репозитория.
func NewSessionStorage(repo domain.SessionRepo) *SessionStorage {
	return &SessionStorage{repo: repo}
}

// LoadSession загружает сериализованную сессию.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.repo.LoadSessionData(ctx)
	if err != nil {
		return nil, fmt.Errorf("загрузка сессии: %w", err)
	}
	if len(data) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

// StoreSession сохраняет сериализованную сессию.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	if err := s.repo.SaveSessionData(ctx, data); err != nil {
		return fmt.Errorf("сохранение сессии: %w", err)
	}
	return nil
}
