package repo

import (
	"context"
	"fmt"
	"time"
)

// Схема создаётся при старте процесса: хранилище без миграций,
// все выражения идемпотентны.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	tg_user_id BIGINT NOT NULL UNIQUE,
	username TEXT,
	first_name TEXT,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	interests TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS channels (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	title TEXT,
	last_post_id BIGINT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_checked_at TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, channel_id)
)`,
	`CREATE TABLE IF NOT EXISTS posts (
	id BIGSERIAL PRIMARY KEY,
	channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	post_id BIGINT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (channel_id, post_id)
)`,
	`CREATE TABLE IF NOT EXISTS app_settings (
	id BIGSERIAL PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS userbot_session (
	id SMALLINT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'not_started',
	phone TEXT,
	session_data BYTEA,
	last_error TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// EnsureSchema создаёт недостающие таблицы.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("создание схемы: %w", err)
		}
	}
	return nil
}
