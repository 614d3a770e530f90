package transcriber

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
	"tg-resume-bot/internal/infra/openai"
)

const defaultModel = "whisper-1"

var supportedFormats = map[string]struct{}{
	".mp3": {}, ".mp4": {}, ".mpeg": {}, ".mpga": {}, ".m4a": {},
	".wav": {}, ".webm": {}, ".ogg": {}, ".oga": {},
}

type audioClient interface {
	TranscribeAudio(ctx context.Context, model, filename string, data []byte, language string) (string, error)
}

// Whisper реализует domain.Transcriber через OpenAI audio/transcriptions.
type Whisper struct {
	client   audioClient
	model    string
	language string
}

var _ domain.Transcriber = (*Whisper)(nil)

// NewWhisper создаёт транскрайбер.
func NewWhisper(client *openai.Client, language string) *Whisper {
	if language == "" {
		language = "ru"
	}
	return &Whisper{client: client, model: defaultModel, language: language}
}

// Transcribe превращает аудио или видео в текст. Повторов нет: ошибка
// уходит вызывающему, который сообщает о ней пользователю.
func (w *Whisper) Transcribe(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("пустой файл")
	}
	if filename == "" {
		filename = "audio.ogg"
	}
	suffix := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedFormats[suffix]; !ok {
		// Провайдер определяет формат по имени, пробуем как ogg.
		filename += ".ogg"
	}
	text, err := w.client.TranscribeAudio(ctx, w.model, filename, data, w.language)
	if err != nil {
		metrics.TranscriptionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("транскрипция: %w", err)
	}
	metrics.TranscriptionsTotal.WithLabelValues("success").Inc()
	return text, nil
}

// Unavailable — заглушка на случай, когда ключ OpenAI не задан.
type Unavailable struct{}

var _ domain.Transcriber = Unavailable{}

// Transcribe всегда возвращает ошибку.
func (Unavailable) Transcribe(ctx context.Context, data []byte, filename string) (string, error) {
	return "", errors.New("транскрипция недоступна: не задан ключ OpenAI")
}
