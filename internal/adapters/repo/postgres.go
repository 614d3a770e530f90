package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo         = (*Postgres)(nil)
	_ domain.ChannelRepo      = (*Postgres)(nil)
	_ domain.SubscriptionRepo = (*Postgres)(nil)
	_ domain.PostRepo         = (*Postgres)(nil)
	_ domain.SettingsRepo     = (*Postgres)(nil)
	_ domain.SessionRepo      = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertByTGID создаёт пользователя при первом контакте или обновляет профиль.
func (p *Postgres) UpsertByTGID(ctx context.Context, profile domain.UserProfile) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		user      domain.User
		username  sql.NullString
		firstName sql.NullString
		interests sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, username, first_name)
VALUES ($1, NULLIF($2,''), NULLIF($3,''))
ON CONFLICT (tg_user_id) DO UPDATE SET username = EXCLUDED.username, first_name = EXCLUDED.first_name
RETURNING id, tg_user_id, username, first_name, is_admin, interests, created_at
`, profile.TGUserID, profile.Username, profile.FirstName).Scan(&user.ID, &user.TGUserID, &username, &firstName, &user.IsAdmin, &interests, &user.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, err
	}
	user.Username = username.String
	user.FirstName = firstName.String
	user.Interests = interests.String
	return user, nil
}

// GetByTGID возвращает пользователя по Telegram ID.
func (p *Postgres) GetByTGID(ctx context.Context, tgUserID int64) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		user      domain.User
		username  sql.NullString
		firstName sql.NullString
		interests sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, tg_user_id, username, first_name, is_admin, interests, created_at
FROM users WHERE tg_user_id=$1
`, tgUserID).Scan(&user.ID, &user.TGUserID, &username, &firstName, &user.IsAdmin, &interests, &user.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "users_get_by_tgid", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	user.Username = username.String
	user.FirstName = firstName.String
	user.Interests = interests.String
	return user, nil
}

// ListUsers возвращает всех пользователей, новые первыми.
func (p *Postgres) ListUsers(ctx context.Context) ([]domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, tg_user_id, username, first_name, is_admin, interests, created_at
FROM users ORDER BY created_at DESC
`)
	metrics.ObserveNetworkRequest("postgres", "users_list", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var (
			u         domain.User
			username  sql.NullString
			firstName sql.NullString
			interests sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.TGUserID, &username, &firstName, &u.IsAdmin, &interests, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Username = username.String
		u.FirstName = firstName.String
		u.Interests = interests.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser удаляет пользователя вместе с подписками.
func (p *Postgres) DeleteUser(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "users_delete", "users", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpsertChannel создаёт канал или реактивирует существующий. Водяной знак
// нового канала начинается со startPostID, у существующего не откатывается.
func (p *Postgres) UpsertChannel(ctx context.Context, username, title string, startPostID int64) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	ch, err := scanChannel(p.pool.QueryRow(ctx, `
INSERT INTO channels (username, title, last_post_id, is_active)
VALUES ($1, NULLIF($2,''), $3, TRUE)
ON CONFLICT (username) DO UPDATE SET
	title = COALESCE(NULLIF(EXCLUDED.title,''), channels.title),
	is_active = TRUE
RETURNING id, username, title, last_post_id, is_active, created_at, last_checked_at
`, username, title, startPostID))
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	if err != nil {
		return domain.Channel{}, err
	}
	return ch, nil
}

// GetByUsername возвращает канал по алиасу.
func (p *Postgres) GetByUsername(ctx context.Context, username string) (domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	ch, err := scanChannel(p.pool.QueryRow(ctx, `
SELECT id, username, title, last_post_id, is_active, created_at, last_checked_at
FROM channels WHERE username=$1
`, username))
	metrics.ObserveNetworkRequest("postgres", "channels_get_by_username", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	return ch, err
}

// ListChannels возвращает все каналы.
func (p *Postgres) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	return p.listChannels(ctx, `
SELECT id, username, title, last_post_id, is_active, created_at, last_checked_at
FROM channels ORDER BY created_at DESC
`, "channels_list")
}

// ListActiveChannels возвращает каналы, участвующие в цикле опроса.
func (p *Postgres) ListActiveChannels(ctx context.Context) ([]domain.Channel, error) {
	return p.listChannels(ctx, `
SELECT id, username, title, last_post_id, is_active, created_at, last_checked_at
FROM channels WHERE is_active ORDER BY id
`, "channels_list_active")
}

func (p *Postgres) listChannels(ctx context.Context, query, op string) ([]domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query)
	metrics.ObserveNetworkRequest("postgres", op, "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (domain.Channel, error) {
	var (
		ch      domain.Channel
		title   sql.NullString
		checked sql.NullTime
	)
	err := row.Scan(&ch.ID, &ch.Username, &title, &ch.LastPostID, &ch.IsActive, &ch.CreatedAt, &checked)
	if err != nil {
		return domain.Channel{}, err
	}
	ch.Title = title.String
	if checked.Valid {
		ts := checked.Time
		ch.LastCheckedAt = &ts
	}
	return ch, nil
}

// SetActive включает или выключает канал. История постов не трогается.
func (p *Postgres) SetActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `UPDATE channels SET is_active=$2 WHERE id=$1`, id, active)
	metrics.ObserveNetworkRequest("postgres", "channels_set_active", "channels", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdvanceWatermark сдвигает водяной знак вперёд. GREATEST страхует от отката.
func (p *Postgres) AdvanceWatermark(ctx context.Context, id, postID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE channels SET last_post_id = GREATEST(last_post_id, $2) WHERE id=$1
`, id, postID)
	metrics.ObserveNetworkRequest("postgres", "channels_advance_watermark", "channels", start, err)
	return err
}

// TouchChecked обновляет время последней проверки.
func (p *Postgres) TouchChecked(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE channels SET last_checked_at=$2 WHERE id=$1`, id, at)
	metrics.ObserveNetworkRequest("postgres", "channels_touch_checked", "channels", start, err)
	return err
}

// DeleteChannel удаляет канал вместе с подписками и историей постов.
func (p *Postgres) DeleteChannel(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "channels_delete", "channels", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Subscribe создаёт подписку; повторная вставка пары игнорируется.
func (p *Postgres) Subscribe(ctx context.Context, userID, channelID int64) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO subscriptions (user_id, channel_id)
VALUES ($1, $2)
ON CONFLICT (user_id, channel_id) DO NOTHING
`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_insert", "subscriptions", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// Unsubscribe удаляет подписку.
func (p *Postgres) Unsubscribe(ctx context.Context, userID, channelID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
DELETE FROM subscriptions WHERE user_id=$1 AND channel_id=$2
`, userID, channelID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_delete", "subscriptions", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSubscriptions возвращает подписки вместе с пользователем и каналом.
func (p *Postgres) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT s.id, s.user_id, s.channel_id, s.created_at,
       u.tg_user_id, u.username, u.first_name,
       c.username, c.title
FROM subscriptions s
JOIN users u ON u.id = s.user_id
JOIN channels c ON c.id = s.channel_id
ORDER BY s.created_at DESC
`)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_list", "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var (
			s          domain.Subscription
			username   sql.NullString
			firstName  sql.NullString
			chTitle    sql.NullString
			chUsername string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.ChannelID, &s.CreatedAt,
			&s.User.TGUserID, &username, &firstName, &chUsername, &chTitle); err != nil {
			return nil, err
		}
		s.User.ID = s.UserID
		s.User.Username = username.String
		s.User.FirstName = firstName.String
		s.Channel.ID = s.ChannelID
		s.Channel.Username = chUsername
		s.Channel.Title = chTitle.String
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListUserChannels возвращает каналы, на которые подписан пользователь.
func (p *Postgres) ListUserChannels(ctx context.Context, userID int64) ([]domain.Channel, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT c.id, c.username, c.title, c.last_post_id, c.is_active, c.created_at, c.last_checked_at
FROM channels c
JOIN subscriptions s ON s.channel_id = c.id
WHERE s.user_id=$1
ORDER BY c.username
`, userID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_user_channels", "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ListSubscribers возвращает получателей рассылки по каналу.
func (p *Postgres) ListSubscribers(ctx context.Context, channelID int64) ([]domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT u.id, u.tg_user_id, u.username, u.first_name, u.is_admin, u.interests, u.created_at
FROM users u
JOIN subscriptions s ON s.user_id = u.id
WHERE s.channel_id=$1
`, channelID)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_subscribers", "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var (
			u         domain.User
			username  sql.NullString
			firstName sql.NullString
			interests sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.TGUserID, &username, &firstName, &u.IsAdmin, &interests, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Username = username.String
		u.FirstName = firstName.String
		u.Interests = interests.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// SavePost сохраняет пост вместе с резюме. Дубликат пары (channel, post)
// игнорируется: created=false.
func (p *Postgres) SavePost(ctx context.Context, post domain.Post) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO posts (channel_id, post_id, content, summary)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel_id, post_id) DO NOTHING
`, post.ChannelID, post.PostID, post.Content, post.Summary)
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ListRecentPosts возвращает последние посты.
func (p *Postgres) ListRecentPosts(ctx context.Context, limit int) ([]domain.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, channel_id, post_id, content, summary, created_at
FROM posts ORDER BY created_at DESC LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_recent", "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var post domain.Post
		if err := rows.Scan(&post.ID, &post.ChannelID, &post.PostID, &post.Content, &post.Summary, &post.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// GetAllSettings возвращает все настройки из app_settings.
func (p *Postgres) GetAllSettings(ctx context.Context) (map[string]string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM app_settings`)
	metrics.ObserveNetworkRequest("postgres", "settings_list", "app_settings", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting сохраняет настройку.
func (p *Postgres) SetSetting(ctx context.Context, key, value string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO app_settings (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
`, key, value)
	metrics.ObserveNetworkRequest("postgres", "settings_set", "app_settings", start, err)
	return err
}

// Statistics возвращает счётчики для дашборда.
func (p *Postgres) Statistics(ctx context.Context) (domain.Stats, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var stats domain.Stats
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT
	(SELECT count(*) FROM users),
	(SELECT count(*) FROM channels),
	(SELECT count(*) FROM subscriptions),
	(SELECT count(*) FROM posts)
`).Scan(&stats.TotalUsers, &stats.TotalChannels, &stats.TotalSubscriptions, &stats.TotalPosts)
	metrics.ObserveNetworkRequest("postgres", "stats", "stats", start, err)
	return stats, err
}
