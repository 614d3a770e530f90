package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
)

// ErrNotPublic возвращается при попытке отслеживать канал без веб-превью.
var ErrNotPublic = errors.New("канал недоступен или не является публичным")

// ErrNotSubscribed возвращается при отписке от канала, на который
// пользователь не подписан.
var ErrNotSubscribed = errors.New("пользователь не подписан на канал")

// Result описывает итог регистрации канала.
type Result struct {
	Channel        domain.Channel
	AlreadyTracked bool
}

// Service регистрирует каналы по пересланным сообщениям и управляет
// подписками пользователей.
type Service struct {
	users    domain.UserRepo
	channels domain.ChannelRepo
	subs     domain.SubscriptionRepo
	fetcher  domain.Fetcher
	aux      domain.AuxClient
	log      zerolog.Logger
}

// NewService создаёт сервис отслеживания. aux может быть nil: тогда
// вступление вспомогательной сессии в канал пропускается.
func NewService(users domain.UserRepo, channels domain.ChannelRepo, subs domain.SubscriptionRepo, fetcher domain.Fetcher, aux domain.AuxClient, log zerolog.Logger) *Service {
	return &Service{users: users, channels: channels, subs: subs, fetcher: fetcher, aux: aux, log: log}
}

// TrackForward регистрирует канал по пересланному из него сообщению.
// Водяной знак нового канала ставится на ID пересланного поста: резюме
// начнутся со следующего за ним. Если ID поста неизвестен, берётся
// последний пост из веб-превью.
func (s *Service) TrackForward(ctx context.Context, profile domain.UserProfile, channelUsername string, forwardedPostID int64) (Result, error) {
	username := NormalizeUsername(channelUsername)
	if username == "" {
		return Result{}, ErrNotPublic
	}
	if !s.fetcher.IsPublic(ctx, username) {
		return Result{}, ErrNotPublic
	}

	user, err := s.users.UpsertByTGID(ctx, profile)
	if err != nil {
		return Result{}, fmt.Errorf("регистрация пользователя: %w", err)
	}

	info, err := s.fetcher.ChannelInfo(ctx, username)
	if err != nil {
		return Result{}, fmt.Errorf("метаданные канала @%s: %w", username, err)
	}

	startPostID := forwardedPostID
	if startPostID <= 0 {
		latest, err := s.fetcher.LatestPostID(ctx, username)
		if err != nil {
			return Result{}, fmt.Errorf("последний пост канала @%s: %w", username, err)
		}
		startPostID = latest
	}

	channel, err := s.channels.UpsertChannel(ctx, username, info.Title, startPostID)
	if err != nil {
		return Result{}, fmt.Errorf("регистрация канала @%s: %w", username, err)
	}

	created, err := s.subs.Subscribe(ctx, user.ID, channel.ID)
	if err != nil {
		return Result{}, fmt.Errorf("подписка на канал @%s: %w", username, err)
	}

	if s.aux != nil {
		if err := s.aux.JoinChannel(ctx, username); err != nil {
			s.log.Warn().Err(err).Str("channel", username).Msg("вспомогательная сессия не смогла вступить в канал")
		}
	}

	s.log.Info().
		Str("channel", username).
		Int64("tg_user_id", profile.TGUserID).
		Int64("start_post_id", startPostID).
		Bool("new_subscription", created).
		Msg("канал зарегистрирован")
	return Result{Channel: channel, AlreadyTracked: !created}, nil
}

// Untrack отписывает пользователя от канала. Если подписчиков не осталось,
// канал деактивируется и опрос по нему прекращается.
func (s *Service) Untrack(ctx context.Context, tgUserID int64, channelUsername string) error {
	username := NormalizeUsername(channelUsername)
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		return fmt.Errorf("поиск пользователя: %w", err)
	}
	channel, err := s.channels.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrNotSubscribed
		}
		return fmt.Errorf("поиск канала @%s: %w", username, err)
	}
	if err := s.subs.Unsubscribe(ctx, user.ID, channel.ID); err != nil {
		return fmt.Errorf("отписка от канала @%s: %w", username, err)
	}

	subscribers, err := s.subs.ListSubscribers(ctx, channel.ID)
	if err != nil {
		return fmt.Errorf("подписчики канала @%s: %w", username, err)
	}
	if len(subscribers) == 0 {
		if err := s.channels.SetActive(ctx, channel.ID, false); err != nil {
			return fmt.Errorf("деактивация канала @%s: %w", username, err)
		}
		s.log.Info().Str("channel", username).Msg("у канала не осталось подписчиков, опрос остановлен")
	}
	return nil
}

// UserChannels возвращает каналы пользователя.
func (s *Service) UserChannels(ctx context.Context, tgUserID int64) ([]domain.Channel, error) {
	user, err := s.users.GetByTGID(ctx, tgUserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("поиск пользователя: %w", err)
	}
	channels, err := s.subs.ListUserChannels(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("каналы пользователя: %w", err)
	}
	return channels, nil
}

// NormalizeUsername приводит имя канала к хранимому виду:
// без @, без префикса t.me, в нижнем регистре.
func NormalizeUsername(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.TrimPrefix(s, "telegram.me/")
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSuffix(s, "/")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}
