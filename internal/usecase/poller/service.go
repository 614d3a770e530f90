package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
)

// Service выполняет цикл опроса каналов: забирает новые посты из
// веб-превью, строит резюме и доставляет их подписчикам.
//
// Водяной знак канала сдвигается только после успешной обработки поста.
// Посты обрабатываются строго по возрастанию ID; первая ошибка
// останавливает обработку канала до следующего цикла. Пост, проваливший
// подряд forceAdvanceAfter циклов, пропускается принудительно, чтобы один
// проблемный пост не блокировал канал навсегда.
type Service struct {
	channels   domain.ChannelRepo
	subs       domain.SubscriptionRepo
	posts      domain.PostRepo
	fetcher    domain.Fetcher
	summarizer domain.Summarizer
	deliverer  domain.SummaryDeliverer
	retries    domain.RetryTracker
	log        zerolog.Logger

	fetchTimeout      time.Duration
	forceAdvanceAfter int

	now func() time.Time
}

// NewService создаёт сервис опроса.
func NewService(
	channels domain.ChannelRepo,
	subs domain.SubscriptionRepo,
	posts domain.PostRepo,
	fetcher domain.Fetcher,
	summarizer domain.Summarizer,
	deliverer domain.SummaryDeliverer,
	retries domain.RetryTracker,
	fetchTimeout time.Duration,
	forceAdvanceAfter int,
	log zerolog.Logger,
) *Service {
	if forceAdvanceAfter <= 0 {
		forceAdvanceAfter = 5
	}
	return &Service{
		channels:          channels,
		subs:              subs,
		posts:             posts,
		fetcher:           fetcher,
		summarizer:        summarizer,
		deliverer:         deliverer,
		retries:           retries,
		fetchTimeout:      fetchTimeout,
		forceAdvanceAfter: forceAdvanceAfter,
		log:               log,
		now:               time.Now,
	}
}

// RunCycle обходит все активные каналы. Ошибка одного канала не
// прерывает обработку остальных.
func (s *Service) RunCycle(ctx context.Context) error {
	start := s.now()
	defer func() {
		metrics.PollCycles.Inc()
		metrics.PollCycleSeconds.Observe(s.now().Sub(start).Seconds())
	}()

	channels, err := s.channels.ListActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("список активных каналов: %w", err)
	}
	s.log.Debug().Int("channels", len(channels)).Msg("цикл опроса запущен")

	for _, ch := range channels {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processChannel(ctx, ch); err != nil {
			metrics.ChannelErrors.Inc()
			s.log.Error().Err(err).Str("channel", ch.Username).Msg("ошибка обработки канала")
		}
		if err := s.channels.TouchChecked(ctx, ch.ID, s.now().UTC()); err != nil {
			s.log.Error().Err(err).Str("channel", ch.Username).Msg("не удалось отметить время проверки")
		}
	}
	return nil
}

// processChannel обрабатывает новые посты одного канала.
func (s *Service) processChannel(ctx context.Context, ch domain.Channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при обработке канала @%s: %v", ch.Username, r)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	parsed, err := s.fetcher.FetchNew(fetchCtx, ch.Username, ch.LastPostID)
	cancel()
	if err != nil {
		return fmt.Errorf("загрузка превью: %w", err)
	}
	if len(parsed) == 0 {
		return nil
	}

	for _, post := range parsed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processPost(ctx, ch, post); err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				// Троттлинг провайдера не засчитывается посту:
				// просто ждём следующего цикла.
				metrics.PostsSkipped.Inc()
				s.log.Warn().Str("channel", ch.Username).Int64("post_id", post.PostID).
					Msg("провайдер троттлит, пост отложен до следующего цикла")
				return nil
			}
			forced, bumpErr := s.bumpAndMaybeForceAdvance(ctx, ch, post.PostID)
			if bumpErr != nil {
				s.log.Error().Err(bumpErr).Str("channel", ch.Username).Msg("сбой счётчика повторов")
			}
			if forced {
				continue
			}
			return fmt.Errorf("пост %d: %w", post.PostID, err)
		}
	}
	return nil
}

// processPost строит резюме поста, сохраняет его и доставляет подписчикам.
func (s *Service) processPost(ctx context.Context, ch domain.Channel, post domain.ParsedPost) error {
	summary, err := s.summarizer.Summarize(ctx, domain.PostContent{
		Text:      post.Text,
		ImageURLs: post.ImageURLs,
		Channel:   ch.Username,
	})
	if err != nil {
		return fmt.Errorf("резюме: %w", err)
	}

	created, err := s.posts.SavePost(ctx, domain.Post{
		ChannelID: ch.ID,
		PostID:    post.PostID,
		Content:   post.Text,
		Summary:   summary,
	})
	if err != nil {
		return fmt.Errorf("сохранение поста: %w", err)
	}

	if created {
		s.deliver(ctx, ch, post.PostID, summary)
		metrics.PostsSummarized.Inc()
	}

	if err := s.channels.AdvanceWatermark(ctx, ch.ID, post.PostID); err != nil {
		return fmt.Errorf("сдвиг водяного знака: %w", err)
	}
	if err := s.retries.ResetFailure(ctx, ch.ID, post.PostID); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.Username).Msg("сброс счётчика повторов не удался")
	}
	return nil
}

// deliver рассылает резюме всем подписчикам канала. Сбой доставки одному
// подписчику не мешает остальным.
func (s *Service) deliver(ctx context.Context, ch domain.Channel, postID int64, summary string) {
	subscribers, err := s.subs.ListSubscribers(ctx, ch.ID)
	if err != nil {
		s.log.Error().Err(err).Str("channel", ch.Username).Msg("не удалось получить подписчиков")
		return
	}
	for _, user := range subscribers {
		if err := s.deliverer.DeliverSummary(ctx, user.TGUserID, ch.Username, postID, summary); err != nil {
			metrics.BotSendErrors.Inc()
			s.log.Error().Err(err).
				Str("channel", ch.Username).
				Int64("tg_user_id", user.TGUserID).
				Msg("доставка резюме не удалась")
		}
	}
}

// bumpAndMaybeForceAdvance считает провальные циклы поста и при достижении
// порога принудительно сдвигает водяной знак мимо него.
func (s *Service) bumpAndMaybeForceAdvance(ctx context.Context, ch domain.Channel, postID int64) (bool, error) {
	failures, err := s.retries.BumpFailure(ctx, ch.ID, postID)
	if err != nil {
		return false, err
	}
	if failures < s.forceAdvanceAfter {
		return false, nil
	}
	if err := s.channels.AdvanceWatermark(ctx, ch.ID, postID); err != nil {
		return false, fmt.Errorf("принудительный сдвиг водяного знака: %w", err)
	}
	if err := s.retries.ResetFailure(ctx, ch.ID, postID); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.Username).Msg("сброс счётчика повторов не удался")
	}
	metrics.WatermarkForceAdvances.Inc()
	s.log.Warn().
		Str("channel", ch.Username).
		Int64("post_id", postID).
		Int("failures", failures).
		Msg("пост пропущен принудительно после серии неудачных циклов")
	return true, nil
}
