package userbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
)

// Client оборачивает gotd-клиент вспомогательной сессии. Реализует шлюз
// авторизации и операции над каналами. Соединение поднимается лениво при
// первом обращении и живёт в фоновой горутине до остановки процесса.
type Client struct {
	tg  *telegram.Client
	log zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan error

	resolveMu sync.Mutex
	resolved  map[string]*tg.InputChannel
}

var (
	_ domain.SessionGateway = (*Client)(nil)
	_ domain.AuxClient      = (*Client)(nil)
)

// NewClient создаёт клиент вспомогательной сессии. Данные сессии
// сохраняются через переданное хранилище.
func NewClient(apiID int, apiHash string, storage *SessionStorage, log zerolog.Logger) *Client {
	return &Client{
		tg:       telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage}),
		log:      log,
		resolved: make(map[string]*tg.InputChannel),
	}
}

// ensureRunning поднимает фоновое соединение, если оно ещё не запущено.
func (c *Client) ensureRunning(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.tg.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		c.running = true
		c.stop = cancel
		c.done = done
		return nil
	case err := <-done:
		cancel()
		return fmt.Errorf("запуск клиента вспомогательной сессии: %w", err)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Close останавливает фоновое соединение.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.stop()
	<-c.done
	c.running = false
	c.log.Info().Msg("клиент вспомогательной сессии остановлен")
}

// IsAuthorized сообщает, авторизована ли сессия у провайдера.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return false, err
	}
	status, err := c.tg.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("статус авторизации: %w", err)
	}
	return status.Authorized, nil
}

// SendCode запрашивает у провайдера код подтверждения на телефон.
func (c *Client) SendCode(ctx context.Context, phone string) (string, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	sent, err := c.tg.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	metrics.ObserveNetworkRequest("mtproto", "send_code", "telegram", start, err)
	if err != nil {
		return "", mapAuthErr(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("неожиданный ответ на запрос кода: %T", sent)
	}
	return code.PhoneCodeHash, nil
}

// SignIn подтверждает вход кодом из Telegram.
func (c *Client) SignIn(ctx context.Context, phone, codeHash, code string) error {
	if err := c.ensureRunning(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.tg.Auth().SignIn(ctx, phone, code, codeHash)
	metrics.ObserveNetworkRequest("mtproto", "sign_in", "telegram", start, err)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordAuthNeeded) {
			return domain.ErrPasswordNeeded
		}
		return mapAuthErr(err)
	}
	return nil
}

// CheckPassword завершает вход паролем двухфакторной аутентификации.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	if err := c.ensureRunning(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.tg.Auth().Password(ctx, password)
	metrics.ObserveNetworkRequest("mtproto", "check_password", "telegram", start, err)
	if err != nil {
		return mapAuthErr(err)
	}
	return nil
}

// Logout завершает сессию у провайдера.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.ensureRunning(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.tg.API().AuthLogOut(ctx)
	metrics.ObserveNetworkRequest("mtproto", "logout", "telegram", start, err)
	if err != nil {
		return fmt.Errorf("выход из сессии: %w", err)
	}
	c.resolveMu.Lock()
	c.resolved = make(map[string]*tg.InputChannel)
	c.resolveMu.Unlock()
	return nil
}

// mapAuthErr переводит ошибки gotd в доменные.
func mapAuthErr(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.FloodWaitError{Wait: wait}
	}
	switch {
	case tgerr.Is(err, "PHONE_CODE_INVALID"):
		return domain.ErrCodeInvalid
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return domain.ErrCodeExpired
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return domain.ErrPasswordInvalid
	}
	return err
}

// resolveChannel находит канал по имени и кеширует access hash.
func (c *Client) resolveChannel(ctx context.Context, username string) (*tg.InputChannel, error) {
	c.resolveMu.Lock()
	if input, ok := c.resolved[username]; ok {
		c.resolveMu.Unlock()
		return input, nil
	}
	c.resolveMu.Unlock()

	start := time.Now()
	peer, err := c.tg.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	metrics.ObserveNetworkRequest("mtproto", "resolve_username", username, start, err)
	if err != nil {
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return nil, &domain.FloodWaitError{Wait: wait}
		}
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("резолв канала @%s: %w", username, err)
	}
	for _, chat := range peer.Chats {
		channel, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		input := &tg.InputChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}
		c.resolveMu.Lock()
		c.resolved[username] = input
		c.resolveMu.Unlock()
		return input, nil
	}
	return nil, domain.ErrNotFound
}

// JoinChannel вступает в канал от имени вспомогательной сессии.
func (c *Client) JoinChannel(ctx context.Context, username string) error {
	if err := c.ensureRunning(ctx); err != nil {
		return err
	}
	input, err := c.resolveChannel(ctx, username)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = c.tg.API().ChannelsJoinChannel(ctx, input)
	metrics.ObserveNetworkRequest("mtproto", "join_channel", username, start, err)
	if err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return nil
		}
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return &domain.FloodWaitError{Wait: wait}
		}
		return fmt.Errorf("вступление в канал @%s: %w", username, err)
	}
	c.log.Info().Str("channel", username).Msg("вспомогательная сессия вступила в канал")
	return nil
}

// ListMessages возвращает сообщения канала с ID строго больше afterID,
// в порядке возрастания.
func (c *Client) ListMessages(ctx context.Context, username string, afterID int64, limit int) ([]domain.ChannelMessage, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return nil, err
	}
	input, err := c.resolveChannel(ctx, username)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	history, err := c.tg.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: input.ChannelID, AccessHash: input.AccessHash},
		MinID: int(afterID),
		Limit: limit,
	})
	metrics.ObserveNetworkRequest("mtproto", "get_history", username, start, err)
	if err != nil {
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return nil, &domain.FloodWaitError{Wait: wait}
		}
		return nil, fmt.Errorf("история канала @%s: %w", username, err)
	}
	channelMessages, ok := history.(*tg.MessagesChannelMessages)
	if !ok {
		return nil, fmt.Errorf("неожиданный ответ истории: %T", history)
	}

	out := make([]domain.ChannelMessage, 0, len(channelMessages.Messages))
	for _, m := range channelMessages.Messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		if int64(msg.ID) <= afterID {
			continue
		}
		out = append(out, domain.ChannelMessage{
			ID:         int64(msg.ID),
			Date:       time.Unix(int64(msg.Date), 0).UTC(),
			Text:       msg.Message,
			MediaTypes: mediaTypes(msg),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// mediaTypes описывает вложения сообщения.
func mediaTypes(msg *tg.Message) []string {
	media, ok := msg.GetMedia()
	if !ok {
		return nil
	}
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		return []string{"photo"}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return []string{"document"}
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					return []string{"voice"}
				}
				return []string{"audio"}
			case *tg.DocumentAttributeVideo:
				if a.RoundMessage {
					return []string{"video_note"}
				}
				return []string{"video"}
			}
		}
		return []string{"document"}
	default:
		return nil
	}
}

// DownloadMedia скачивает вложение сообщения канала.
func (c *Client) DownloadMedia(ctx context.Context, username string, messageID int64) ([]byte, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return nil, err
	}
	input, err := c.resolveChannel(ctx, username)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := c.tg.API().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: input,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: int(messageID)}},
	})
	metrics.ObserveNetworkRequest("mtproto", "get_messages", username, start, err)
	if err != nil {
		return nil, fmt.Errorf("сообщение %d канала @%s: %w", messageID, username, err)
	}
	channelMessages, ok := res.(*tg.MessagesChannelMessages)
	if !ok || len(channelMessages.Messages) == 0 {
		return nil, domain.ErrNotFound
	}
	msg, ok := channelMessages.Messages[0].(*tg.Message)
	if !ok {
		return nil, domain.ErrNotFound
	}
	loc, err := mediaLocation(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	start = time.Now()
	_, err = downloader.NewDownloader().Download(c.tg.API(), loc).Stream(ctx, &buf)
	metrics.ObserveNetworkRequest("mtproto", "download_media", username, start, err)
	if err != nil {
		return nil, fmt.Errorf("скачивание вложения %d канала @%s: %w", messageID, username, err)
	}
	return buf.Bytes(), nil
}

// mediaLocation строит локацию файла для вложения сообщения.
func mediaLocation(msg *tg.Message) (tg.InputFileLocationClass, error) {
	media, ok := msg.GetMedia()
	if !ok {
		return nil, domain.ErrNotFound
	}
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, domain.ErrNotFound
		}
		thumb := largestPhotoSize(photo)
		if thumb == "" {
			return nil, domain.ErrNotFound
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, nil
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, domain.ErrNotFound
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, nil
	default:
		return nil, fmt.Errorf("вложение типа %T не поддерживается", media)
	}
}

// largestPhotoSize выбирает самый крупный доступный размер фото.
func largestPhotoSize(photo *tg.Photo) string {
	best := ""
	bestArea := 0
	for _, s := range photo.Sizes {
		size, ok := s.(*tg.PhotoSize)
		if !ok {
			continue
		}
		area := size.W * size.H
		if area > bestArea {
			bestArea = area
			best = size.Type
		}
	}
	return best
}
