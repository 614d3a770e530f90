package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/usecase/tracking"
)

type recordingSender struct {
	failMarkdown bool
	rejected     int
	sent         []tgbotapi.MessageConfig
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, fmt.Errorf("неожиданный тип сообщения %T", c)
	}
	if s.failMarkdown && msg.ParseMode == "MarkdownV2" {
		s.rejected++
		return tgbotapi.Message{}, fmt.Errorf("Bad Request: can't parse entities")
	}
	s.sent = append(s.sent, msg)
	return tgbotapi.Message{}, nil
}

func (s *recordingSender) GetFileDirectURL(string) (string, error) {
	return "", fmt.Errorf("файлы в тестах не скачиваются")
}

type stubUserRepo struct {
	upserted domain.UserProfile
}

func (r *stubUserRepo) UpsertByTGID(_ context.Context, profile domain.UserProfile) (domain.User, error) {
	r.upserted = profile
	return domain.User{ID: 1, TGUserID: profile.TGUserID}, nil
}
func (r *stubUserRepo) GetByTGID(context.Context, int64) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}
func (r *stubUserRepo) ListUsers(context.Context) ([]domain.User, error) { return nil, nil }
func (r *stubUserRepo) DeleteUser(context.Context, int64) error          { return nil }

type stubChannelRepo struct {
	username    string
	title       string
	startPostID int64
}

func (r *stubChannelRepo) UpsertChannel(_ context.Context, username, title string, startPostID int64) (domain.Channel, error) {
	r.username = username
	r.title = title
	r.startPostID = startPostID
	return domain.Channel{ID: 5, Username: username, Title: title, LastPostID: startPostID, IsActive: true}, nil
}
func (r *stubChannelRepo) GetByUsername(context.Context, string) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrNotFound
}
func (r *stubChannelRepo) ListChannels(context.Context) ([]domain.Channel, error) { return nil, nil }
func (r *stubChannelRepo) ListActiveChannels(context.Context) ([]domain.Channel, error) {
	return nil, nil
}
func (r *stubChannelRepo) SetActive(context.Context, int64, bool) error         { return nil }
func (r *stubChannelRepo) AdvanceWatermark(context.Context, int64, int64) error { return nil }
func (r *stubChannelRepo) TouchChecked(context.Context, int64, time.Time) error { return nil }
func (r *stubChannelRepo) DeleteChannel(context.Context, int64) error           { return nil }

type stubSubsRepo struct {
	subscribed bool
}

func (r *stubSubsRepo) Subscribe(context.Context, int64, int64) (bool, error) {
	created := !r.subscribed
	r.subscribed = true
	return created, nil
}
func (r *stubSubsRepo) Unsubscribe(context.Context, int64, int64) error { return nil }
func (r *stubSubsRepo) ListSubscriptions(context.Context) ([]domain.Subscription, error) {
	return nil, nil
}
func (r *stubSubsRepo) ListUserChannels(context.Context, int64) ([]domain.Channel, error) {
	return nil, nil
}
func (r *stubSubsRepo) ListSubscribers(context.Context, int64) ([]domain.User, error) {
	return nil, nil
}

type stubFetcher struct {
	public bool
}

func (f *stubFetcher) FetchNew(context.Context, string, int64) ([]domain.ParsedPost, error) {
	return nil, nil
}
func (f *stubFetcher) ChannelInfo(_ context.Context, username string) (domain.ChannelInfo, error) {
	return domain.ChannelInfo{Username: username, Title: "Тестовый канал"}, nil
}
func (f *stubFetcher) IsPublic(context.Context, string) bool { return f.public }
func (f *stubFetcher) LatestPostID(context.Context, string) (int64, error) {
	return 555, nil
}

type blockingSummarizer struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSummarizer) Summarize(context.Context, domain.PostContent) (string, error) {
	close(s.started)
	<-s.release
	return "резюме", nil
}

func TestExtractMediaVoice(t *testing.T) {
	msg := &tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "v1", FileSize: 1024}}
	media := extractMedia(msg)
	if media == nil {
		t.Fatal("ожидали вложение")
	}
	if media.FileID != "v1" || media.FileName != "voice.ogg" || media.Size != 1024 {
		t.Fatalf("неожиданное вложение: %+v", media)
	}
}

func TestExtractMediaVideoNote(t *testing.T) {
	msg := &tgbotapi.Message{VideoNote: &tgbotapi.VideoNote{FileID: "n1", FileSize: 2048}}
	media := extractMedia(msg)
	if media == nil || media.FileName != "video_note.mp4" {
		t.Fatalf("неожиданное вложение: %+v", media)
	}
}

func TestExtractMediaAudioKeepsFileName(t *testing.T) {
	msg := &tgbotapi.Message{Audio: &tgbotapi.Audio{FileID: "a1", FileName: "lecture.m4a"}}
	media := extractMedia(msg)
	if media == nil || media.FileName != "lecture.m4a" {
		t.Fatalf("неожиданное вложение: %+v", media)
	}

	msg = &tgbotapi.Message{Audio: &tgbotapi.Audio{FileID: "a2"}}
	media = extractMedia(msg)
	if media == nil || media.FileName != "audio.mp3" {
		t.Fatalf("ожидали имя по умолчанию: %+v", media)
	}
}

func TestExtractMediaVideoDefaultName(t *testing.T) {
	msg := &tgbotapi.Message{Video: &tgbotapi.Video{FileID: "vd1"}}
	media := extractMedia(msg)
	if media == nil || media.FileName != "video.mp4" {
		t.Fatalf("ожидали имя по умолчанию: %+v", media)
	}
}

func TestExtractMediaNone(t *testing.T) {
	msg := &tgbotapi.Message{Text: "просто текст"}
	if media := extractMedia(msg); media != nil {
		t.Fatalf("не ожидали вложение: %+v", media)
	}
}

func TestHandleForwardRegistersChannel(t *testing.T) {
	sender := &recordingSender{}
	channels := &stubChannelRepo{}
	trackingUC := tracking.NewService(&stubUserRepo{}, channels, &stubSubsRepo{}, &stubFetcher{public: true}, nil, zerolog.Nop())
	h := &Handler{bot: sender, log: zerolog.Nop(), trackingUC: trackingUC}

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From:                 &tgbotapi.User{ID: 7, UserName: "ivan", FirstName: "Иван"},
		Chat:                 &tgbotapi.Chat{ID: 7},
		ForwardFromChat:      &tgbotapi.Chat{Type: "channel", UserName: "Tech_News", Title: "Tech News"},
		ForwardFromMessageID: 120,
	}})

	if channels.username != "tech_news" {
		t.Fatalf("имя канала должно нормализоваться: %q", channels.username)
	}
	if channels.startPostID != 120 {
		t.Fatalf("водяной знак должен встать на пересланный пост: %d", channels.startPostID)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "добавлен") {
		t.Fatalf("ожидали подтверждение регистрации: %+v", sender.sent)
	}
}

func TestHandleForwardPrivateChannelRejected(t *testing.T) {
	sender := &recordingSender{}
	trackingUC := tracking.NewService(&stubUserRepo{}, &stubChannelRepo{}, &stubSubsRepo{}, &stubFetcher{public: false}, nil, zerolog.Nop())
	h := &Handler{bot: sender, log: zerolog.Nop(), trackingUC: trackingUC}

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From:            &tgbotapi.User{ID: 7},
		Chat:            &tgbotapi.Chat{ID: 7},
		ForwardFromChat: &tgbotapi.Chat{Type: "channel", UserName: "private_one"},
	}})

	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].Text, "приватный") {
		t.Fatalf("ожидали отказ для приватного канала: %+v", sender.sent)
	}
}

func TestDeliverSummaryFallsBackToPlain(t *testing.T) {
	sender := &recordingSender{failMarkdown: true}
	h := &Handler{bot: sender, log: zerolog.Nop()}

	if err := h.DeliverSummary(context.Background(), 7, "tech_news", 42, "Резюме. Пункт 1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if sender.rejected != 1 {
		t.Fatalf("ожидали одну отклонённую отправку с разметкой, получили %d", sender.rejected)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("ожидали одну доставку без разметки, получили %d", len(sender.sent))
	}
	plain := sender.sent[0]
	if plain.ParseMode != "" {
		t.Fatalf("запасной вариант уходит без разметки: %q", plain.ParseMode)
	}
	if !strings.Contains(plain.Text, "https://t.me/tech_news/42") {
		t.Fatalf("в запасном варианте нет ссылки на пост: %q", plain.Text)
	}
}

func TestDeliverSummaryMarkdownFirst(t *testing.T) {
	sender := &recordingSender{}
	h := &Handler{bot: sender, log: zerolog.Nop()}

	if err := h.DeliverSummary(context.Background(), 7, "tech_news", 42, "Резюме"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].ParseMode != "MarkdownV2" {
		t.Fatalf("ожидали доставку с разметкой: %+v", sender.sent)
	}
}

func TestWebhookHandlerAcksBeforeProcessing(t *testing.T) {
	summ := &blockingSummarizer{started: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(summ.release) })
	h := &Handler{bot: &recordingSender{}, log: zerolog.Nop(), summarizer: summ}

	body, err := json.Marshal(tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 7},
		Chat: &tgbotapi.Chat{ID: 7},
		Text: "перескажи этот текст",
	}})
	if err != nil {
		t.Fatalf("кодирование апдейта: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bot/webhook", bytes.NewReader(body))
	done := make(chan struct{})
	go func() {
		h.WebhookHandler()(rec, req)
		close(done)
	}()

	// Ответ уходит сразу, не дожидаясь суммаризации.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("вебхук должен отвечать не дожидаясь обработки")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	select {
	case <-summ.started:
	case <-time.After(time.Second):
		t.Fatal("обработка должна запуститься в фоне")
	}
}

func TestWebhookHandlerRejectsBadJSON(t *testing.T) {
	h := &Handler{bot: &recordingSender{}, log: zerolog.Nop()}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bot/webhook", strings.NewReader("{не json"))
	h.WebhookHandler()(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
}
