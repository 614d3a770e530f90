package domain

import (
	"context"
	"time"
)

// UserProfile содержит данные профиля при первом контакте с ботом.
type UserProfile struct {
	TGUserID  int64
	Username  string
	FirstName string
}

// UserRepo управляет пользователями.
type UserRepo interface {
	UpsertByTGID(ctx context.Context, profile UserProfile) (User, error)
	GetByTGID(ctx context.Context, tgUserID int64) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// ChannelRepo управляет каналами и их водяными знаками.
type ChannelRepo interface {
	UpsertChannel(ctx context.Context, username, title string, startPostID int64) (Channel, error)
	GetByUsername(ctx context.Context, username string) (Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	ListActiveChannels(ctx context.Context) ([]Channel, error)
	SetActive(ctx context.Context, id int64, active bool) error
	AdvanceWatermark(ctx context.Context, id, postID int64) error
	TouchChecked(ctx context.Context, id int64, at time.Time) error
	DeleteChannel(ctx context.Context, id int64) error
}

// SubscriptionRepo управляет подписками пользователей на каналы.
type SubscriptionRepo interface {
	Subscribe(ctx context.Context, userID, channelID int64) (created bool, err error)
	Unsubscribe(ctx context.Context, userID, channelID int64) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	ListUserChannels(ctx context.Context, userID int64) ([]Channel, error)
	ListSubscribers(ctx context.Context, channelID int64) ([]User, error)
}

// PostRepo управляет сохранёнными постами. Пост всегда сохраняется вместе
// с резюме; повторная вставка той же пары (channel, post) игнорируется.
type PostRepo interface {
	SavePost(ctx context.Context, post Post) (created bool, err error)
	ListRecentPosts(ctx context.Context, limit int) ([]Post, error)
}

// SettingsRepo хранит настройки приложения в виде ключ-значение.
type SettingsRepo interface {
	GetAllSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SessionRepo хранит единственную запись мастера авторизации.
type SessionRepo interface {
	LoadAuxSession(ctx context.Context) (AuxSession, error)
	SaveAuxSession(ctx context.Context, s AuxSession) error
	LoadSessionData(ctx context.Context) ([]byte, error)
	SaveSessionData(ctx context.Context, data []byte) error
	ClearSessionData(ctx context.Context) error
}

// Fetcher извлекает новые посты из веб-превью канала.
type Fetcher interface {
	FetchNew(ctx context.Context, username string, afterPostID int64) ([]ParsedPost, error)
	ChannelInfo(ctx context.Context, username string) (ChannelInfo, error)
	IsPublic(ctx context.Context, username string) bool
	LatestPostID(ctx context.Context, username string) (int64, error)
}

// Summarizer строит краткое резюме контента. При исчерпании повторов из-за
// троттлинга провайдера возвращает ErrRateLimited.
type Summarizer interface {
	Summarize(ctx context.Context, content PostContent) (string, error)
}

// Transcriber превращает аудио или видео в текст.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, filename string) (string, error)
}

// SummaryDeliverer доставляет резюме подписчику.
type SummaryDeliverer interface {
	DeliverSummary(ctx context.Context, tgUserID int64, channel string, postID int64, summary string) error
}

// RetryTracker считает подряд идущие неудачные циклы по конкретному посту.
type RetryTracker interface {
	BumpFailure(ctx context.Context, channelID, postID int64) (int, error)
	ResetFailure(ctx context.Context, channelID, postID int64) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

// SessionGateway — операции авторизации вспомогательной сессии у провайдера.
type SessionGateway interface {
	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	SignIn(ctx context.Context, phone, codeHash, code string) error
	CheckPassword(ctx context.Context, password string) error
	Logout(ctx context.Context) error
}

// AuxClient — операции над каналами через авторизованную вспомогательную сессию.
type AuxClient interface {
	JoinChannel(ctx context.Context, username string) error
	ListMessages(ctx context.Context, username string, afterID int64, limit int) ([]ChannelMessage, error)
	DownloadMedia(ctx context.Context, username string, messageID int64) ([]byte, error)
}
