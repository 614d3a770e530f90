package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-resume-bot/internal/adapters/telegram"
	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
	"tg-resume-bot/internal/usecase/tracking"
)

// Предел размера файла, который Bot API отдаёт на скачивание.
const maxMediaBytes = 20 * 1024 * 1024

// telegramAPI — операции Bot API, нужные обработчику.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Handler обслуживает входящие апдейты бота.
type Handler struct {
	bot         telegramAPI
	log         zerolog.Logger
	trackingUC  *tracking.Service
	summarizer  domain.Summarizer
	transcriber domain.Transcriber
	stats       statsProvider
	http        *http.Client
}

// statsProvider отдаёт счётчики для команды /stats.
type statsProvider interface {
	Statistics(ctx context.Context) (domain.Stats, error)
}

var (
	_ domain.SummaryDeliverer = (*Handler)(nil)
	_ telegramAPI             = (*tgbotapi.BotAPI)(nil)
)

// NewHandler создаёт обработчик апдейтов.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, trackingUC *tracking.Service, summarizer domain.Summarizer, transcriber domain.Transcriber, stats statsProvider) *Handler {
	return &Handler{
		bot:         bot,
		log:         log,
		trackingUC:  trackingUC,
		summarizer:  summarizer,
		transcriber: transcriber,
		stats:       stats,
		http:        &http.Client{Timeout: 60 * time.Second},
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message == nil {
		return
	}
	h.handleMessage(ctx, upd.Message)
}

// WebhookHandler принимает апдейт вебхука. Telegram получает 200 сразу,
// иначе долгая транскрипция или резюме приводят к повторной доставке;
// обработка идёт в фоне и не зависит от жизни запроса.
func (h *Handler) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		go h.HandleUpdate(context.WithoutCancel(r.Context()), update)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}

	if msg.ForwardFromChat != nil && msg.ForwardFromChat.Type == "channel" {
		h.handleForward(ctx, msg)
		return
	}
	if media := extractMedia(msg); media != nil {
		h.handleMedia(ctx, msg.Chat.ID, media)
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"):
		h.reply(msg.Chat.ID, h.buildStartMessage())
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, h.buildHelpMessage())
	case strings.HasPrefix(text, "/channels"):
		h.handleChannels(ctx, msg.Chat.ID, msg.From.ID)
	case strings.HasPrefix(text, "/add"):
		username := strings.TrimSpace(strings.TrimPrefix(text, "/add"))
		h.handleAdd(ctx, msg, username)
	case strings.HasPrefix(text, "/remove"):
		username := strings.TrimSpace(strings.TrimPrefix(text, "/remove"))
		h.handleRemove(ctx, msg.Chat.ID, msg.From.ID, username)
	case strings.HasPrefix(text, "/stats"):
		h.handleStats(ctx, msg.Chat.ID)
	case strings.HasPrefix(text, "/"):
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
	case text != "":
		h.handleFreeText(ctx, msg.Chat.ID, text)
	}
}

// handleForward регистрирует канал по пересланному сообщению.
func (h *Handler) handleForward(ctx context.Context, msg *tgbotapi.Message) {
	username := msg.ForwardFromChat.UserName
	if username == "" {
		h.reply(msg.Chat.ID, "У канала нет публичного имени, отслеживать его не получится.")
		return
	}
	profile := domain.UserProfile{
		TGUserID:  msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
	}
	result, err := h.trackingUC.TrackForward(ctx, profile, username, int64(msg.ForwardFromMessageID))
	if err != nil {
		if errors.Is(err, tracking.ErrNotPublic) {
			h.reply(msg.Chat.ID, "Канал приватный или недоступен. Перешлите сообщение из публичного канала.")
			return
		}
		h.log.Error().Err(err).Str("channel", username).Msg("регистрация канала не удалась")
		h.reply(msg.Chat.ID, "Не удалось зарегистрировать канал. Попробуйте позже.")
		return
	}
	title := result.Channel.Title
	if title == "" {
		title = "@" + result.Channel.Username
	}
	if result.AlreadyTracked {
		h.reply(msg.Chat.ID, fmt.Sprintf("Канал %s уже отслеживается. Резюме новых постов будут приходить сюда.", title))
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Канал %s добавлен. Резюме постов новее пересланного будут приходить сюда.", title))
}

func (h *Handler) handleAdd(ctx context.Context, msg *tgbotapi.Message, username string) {
	if username == "" {
		h.reply(msg.Chat.ID, "Отправьте /add @channel или просто перешлите сообщение из канала.")
		return
	}
	profile := domain.UserProfile{
		TGUserID:  msg.From.ID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
	}
	result, err := h.trackingUC.TrackForward(ctx, profile, username, 0)
	if err != nil {
		if errors.Is(err, tracking.ErrNotPublic) {
			h.reply(msg.Chat.ID, "Канал приватный или недоступен. Добавьте публичный канал.")
			return
		}
		h.log.Error().Err(err).Str("channel", username).Msg("добавление канала не удалось")
		h.reply(msg.Chat.ID, "Не удалось добавить канал. Попробуйте позже.")
		return
	}
	title := result.Channel.Title
	if title == "" {
		title = "@" + result.Channel.Username
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Готово: %s. Резюме новых постов будут приходить сюда.", title))
}

func (h *Handler) handleRemove(ctx context.Context, chatID, tgUserID int64, username string) {
	if username == "" {
		h.reply(chatID, "Отправьте /remove @channel")
		return
	}
	if err := h.trackingUC.Untrack(ctx, tgUserID, username); err != nil {
		if errors.Is(err, tracking.ErrNotSubscribed) || errors.Is(err, domain.ErrNotFound) {
			h.reply(chatID, "Вы не отслеживаете этот канал.")
			return
		}
		h.log.Error().Err(err).Str("channel", username).Msg("отписка не удалась")
		h.reply(chatID, "Не удалось отписаться. Попробуйте позже.")
		return
	}
	h.reply(chatID, fmt.Sprintf("Канал %s больше не отслеживается.", tracking.NormalizeUsername(username)))
}

func (h *Handler) handleChannels(ctx context.Context, chatID, tgUserID int64) {
	channels, err := h.trackingUC.UserChannels(ctx, tgUserID)
	if err != nil {
		h.log.Error().Err(err).Int64("tg_user_id", tgUserID).Msg("не удалось получить каналы пользователя")
		h.reply(chatID, "Не удалось получить список каналов. Попробуйте позже.")
		return
	}
	if len(channels) == 0 {
		h.reply(chatID, "Вы пока не отслеживаете каналы. Перешлите сообщение из канала, чтобы начать.")
		return
	}
	var b strings.Builder
	b.WriteString("Отслеживаемые каналы:\n")
	for i, ch := range channels {
		title := ch.Title
		if title == "" {
			title = "@" + ch.Username
		}
		fmt.Fprintf(&b, "%d. %s (@%s), последний пост %d\n", i+1, title, ch.Username, ch.LastPostID)
	}
	h.reply(chatID, b.String())
}

func (h *Handler) handleStats(ctx context.Context, chatID int64) {
	stats, err := h.stats.Statistics(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось получить статистику")
		h.reply(chatID, "Не удалось получить статистику. Попробуйте позже.")
		return
	}
	h.reply(chatID, fmt.Sprintf(
		"Пользователей: %d\nКаналов: %d\nПодписок: %d\nПостов с резюме: %d",
		stats.TotalUsers, stats.TotalChannels, stats.TotalSubscriptions, stats.TotalPosts,
	))
}

// handleFreeText строит резюме произвольного текста пользователя.
func (h *Handler) handleFreeText(ctx context.Context, chatID int64, text string) {
	summary, err := h.summarizer.Summarize(ctx, domain.PostContent{Text: text})
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			h.reply(chatID, "Сервис суммаризации перегружен. Попробуйте через минуту.")
			return
		}
		h.log.Error().Err(err).Msg("резюме текста не удалось")
		h.reply(chatID, "Не удалось построить резюме. Попробуйте позже.")
		return
	}
	h.reply(chatID, summary)
}

// mediaRef описывает вложение, пригодное для транскрипции.
type mediaRef struct {
	FileID   string
	FileName string
	Size     int64
}

// extractMedia достаёт из сообщения голос, кружок, аудио или видео.
func extractMedia(msg *tgbotapi.Message) *mediaRef {
	switch {
	case msg.Voice != nil:
		return &mediaRef{FileID: msg.Voice.FileID, FileName: "voice.ogg", Size: int64(msg.Voice.FileSize)}
	case msg.VideoNote != nil:
		return &mediaRef{FileID: msg.VideoNote.FileID, FileName: "video_note.mp4", Size: int64(msg.VideoNote.FileSize)}
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = "audio.mp3"
		}
		return &mediaRef{FileID: msg.Audio.FileID, FileName: name, Size: int64(msg.Audio.FileSize)}
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = "video.mp4"
		}
		return &mediaRef{FileID: msg.Video.FileID, FileName: name, Size: int64(msg.Video.FileSize)}
	}
	return nil
}

// handleMedia скачивает вложение, транскрибирует его и строит резюме.
func (h *Handler) handleMedia(ctx context.Context, chatID int64, media *mediaRef) {
	if media.Size > maxMediaBytes {
		h.reply(chatID, "Файл больше 20 МБ, Telegram не отдаёт такие боту.")
		return
	}
	h.reply(chatID, "Расшифровываю запись, это может занять минуту.")

	data, err := h.downloadFile(ctx, media.FileID)
	if err != nil {
		h.log.Error().Err(err).Msg("скачивание вложения не удалось")
		h.reply(chatID, "Не удалось скачать файл. Попробуйте позже.")
		return
	}

	transcript, err := h.transcriber.Transcribe(ctx, data, media.FileName)
	if err != nil {
		h.log.Error().Err(err).Msg("транскрипция не удалась")
		h.reply(chatID, "Не удалось расшифровать запись. Попробуйте позже.")
		return
	}
	if strings.TrimSpace(transcript) == "" {
		h.reply(chatID, "В записи не удалось распознать речь.")
		return
	}

	summary, err := h.summarizer.Summarize(ctx, domain.PostContent{Text: transcript})
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			h.reply(chatID, "Расшифровка готова, но сервис суммаризации перегружен:\n\n"+transcript)
			return
		}
		h.log.Error().Err(err).Msg("резюме расшифровки не удалось")
		h.reply(chatID, "Расшифровка готова, но резюме построить не удалось:\n\n"+transcript)
		return
	}
	h.reply(chatID, summary)
}

// downloadFile забирает файл по прямой ссылке Bot API.
func (h *Handler) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := h.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("ссылка на файл: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("запрос файла: %w", err)
	}
	start := time.Now()
	resp, err := h.http.Do(req)
	metrics.ObserveNetworkRequest("telegram_bot", "download_file", path.Base(url), start, err)
	if err != nil {
		return nil, fmt.Errorf("скачивание файла: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("скачивание файла: статус %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("чтение файла: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("файл превышает предел %d байт", maxMediaBytes)
	}
	return data, nil
}

// DeliverSummary отправляет резюме поста подписчику. Сначала пробует
// разметку MarkdownV2, при отказе Telegram шлёт без разметки.
func (h *Handler) DeliverSummary(ctx context.Context, tgUserID int64, channel string, postID int64, summary string) error {
	formatted := telegram.FormatChannelSummary(channel, postID, summary)
	if err := h.send(tgUserID, formatted, "MarkdownV2"); err != nil {
		h.log.Warn().Err(err).Str("channel", channel).Msg("отправка с разметкой не удалась, повтор без разметки")
		return h.send(tgUserID, telegram.FormatPlainSummary(channel, postID, summary), "")
	}
	return nil
}

// send отправляет текст, разбивая его на части по лимиту Telegram.
func (h *Handler) send(chatID int64, text, parseMode string) error {
	parts := telegram.SplitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = parseMode
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			return fmt.Errorf("отправка сообщения: %w", err)
		}
	}
	return nil
}

// reply отправляет ответ без разметки, ошибки только логируются.
func (h *Handler) reply(chatID int64, text string) {
	if err := h.send(chatID, text, ""); err != nil {
		metrics.BotSendErrors.Inc()
		h.log.Error().Err(err).Msg("не удалось отправить сообщение")
	}
}

func (h *Handler) buildStartMessage() string {
	lines := []string{
		"👋 Привет! Я слежу за публичными каналами и присылаю краткие резюме новых постов.",
		"",
		"Как начать:",
		"1. Перешлите мне любое сообщение из публичного канала.",
		"2. Я начну присылать резюме всех постов новее пересланного.",
		"",
		"Ещё я умею:",
		"• расшифровывать голосовые, кружки, аудио и видео;",
		"• строить резюме любого присланного текста.",
		"",
		"Полный список команд: /help",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildHelpMessage() string {
	lines := []string{
		"📖 Команды:",
		"",
		"• Перешлите сообщение из канала, чтобы начать его отслеживать.",
		"• /add @channel — добавить канал без пересылки (с последнего поста).",
		"• /channels — список отслеживаемых каналов.",
		"• /remove @channel — перестать отслеживать канал.",
		"• /stats — счётчики системы.",
		"",
		"Пришлите голосовое, кружок, аудио или видео, и я пришлю расшифровку с резюме.",
		"Пришлите текст, и я пришлю его краткое резюме.",
	}
	return strings.Join(lines, "\n")
}
