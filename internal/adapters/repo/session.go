package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
)

// Единственная строка userbot_session с id=1: одна вспомогательная сессия
// на процесс, одна авторизация за раз.
const auxSessionID = 1

// LoadAuxSession возвращает состояние мастера авторизации.
func (p *Postgres) LoadAuxSession(ctx context.Context) (domain.AuxSession, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		s       domain.AuxSession
		phone   sql.NullString
		lastErr sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT state, phone, last_error, updated_at FROM userbot_session WHERE id=$1
`, auxSessionID).Scan(&s.State, &phone, &lastErr, &s.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "aux_session_load", "userbot_session", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AuxSession{State: domain.AuthNotStarted}, nil
	}
	if err != nil {
		return domain.AuxSession{}, err
	}
	s.Phone = phone.String
	s.LastError = lastErr.String
	return s, nil
}

// SaveAuxSession сохраняет состояние мастера авторизации.
func (p *Postgres) SaveAuxSession(ctx context.Context, s domain.AuxSession) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO userbot_session (id, state, phone, last_error, updated_at)
VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), now())
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	phone = EXCLUDED.phone,
	last_error = EXCLUDED.last_error,
	updated_at = now()
`, auxSessionID, s.State, s.Phone, s.LastError)
	metrics.ObserveNetworkRequest("postgres", "aux_session_save", "userbot_session", start, err)
	return err
}

// LoadSessionData возвращает сериализованные учётные данные сессии.
func (p *Postgres) LoadSessionData(ctx context.Context) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT session_data FROM userbot_session WHERE id=$1 AND session_data IS NOT NULL
`, auxSessionID).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "aux_session_data_load", "userbot_session", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveSessionData сохраняет сериализованные учётные данные сессии.
func (p *Postgres) SaveSessionData(ctx context.Context, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO userbot_session (id, state, session_data, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET session_data = EXCLUDED.session_data, updated_at = now()
`, auxSessionID, domain.AuthNotStarted, data)
	metrics.ObserveNetworkRequest("postgres", "aux_session_data_save", "userbot_session", start, err)
	return err
}

// ClearSessionData стирает учётные данные при выходе.
func (p *Postgres) ClearSessionData(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE userbot_session SET session_data = NULL, updated_at = now() WHERE id=$1
`, auxSessionID)
	metrics.ObserveNetworkRequest("postgres", "aux_session_data_clear", "userbot_session", start, err)
	return err
}
