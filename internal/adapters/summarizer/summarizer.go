package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/gemini"
	"tg-resume-bot/internal/infra/openai"
)

const (
	// maxAttempts ограничивает повторы при троттлинге провайдера.
	maxAttempts = 3
	// retryMargin добавляется к паузе, которую посоветовал провайдер.
	retryMargin = 5 * time.Second
	// maxPromptRunes обрезает слишком длинные посты.
	maxPromptRunes = 8000
)

// ProviderGemini и ProviderOpenAI — допустимые значения настройки ai_provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// GeminiClient — операции Gemini, нужные суммаризатору.
type GeminiClient interface {
	GenerateContent(ctx context.Context, model string, req gemini.GenerateContentRequest) (gemini.GenerateContentResponse, error)
}

// ChatClient — операции OpenAI, нужные суммаризатору.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelSelector отдаёт актуальный выбор провайдера и модели.
// Читается заново на каждый вызов: смена через дашборд действует без рестарта.
type ModelSelector interface {
	Current() domain.AISettings
}

// Service реализует domain.Summarizer поверх Gemini и OpenAI.
type Service struct {
	selector ModelSelector
	gemini   GeminiClient
	openai   ChatClient
	sleep    func(time.Duration)
	log      zerolog.Logger
}

var _ domain.Summarizer = (*Service)(nil)

// New создаёт суммаризатор. Клиент неиспользуемого провайдера может быть nil.
func New(selector ModelSelector, geminiCl GeminiClient, openaiCl ChatClient, logger zerolog.Logger) *Service {
	return &Service{
		selector: selector,
		gemini:   geminiCl,
		openai:   openaiCl,
		sleep:    time.Sleep,
		log:      logger,
	}
}

// Summarize строит резюме с повторами при троттлинге: до maxAttempts попыток,
// пауза — подсказка провайдера плюс запас. После исчерпания возвращает
// domain.ErrRateLimited, и пост остаётся до следующего цикла.
func (s *Service) Summarize(ctx context.Context, content domain.PostContent) (string, error) {
	text := strings.TrimSpace(content.Text)
	if text == "" {
		return "", fmt.Errorf("пустой текст поста")
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		summary, err := s.generate(ctx, content)
		if err == nil {
			return summary, nil
		}
		wait, throttled := rateLimitWait(err, attempt)
		if !throttled {
			return "", err
		}
		if attempt == maxAttempts-1 {
			break
		}
		s.log.Warn().Dur("wait", wait).Int("attempt", attempt+1).Msg("троттлинг провайдера, ждём перед повтором")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		s.sleep(wait)
	}
	return "", domain.ErrRateLimited
}

func (s *Service) generate(ctx context.Context, content domain.PostContent) (string, error) {
	settings := s.selector.Current()
	switch settings.Provider {
	case ProviderOpenAI:
		if s.openai == nil {
			return "", fmt.Errorf("клиент openai не настроен")
		}
		return s.generateOpenAI(ctx, settings.OpenAIModel, content)
	default:
		if s.gemini == nil {
			return "", fmt.Errorf("клиент gemini не настроен")
		}
		return s.generateGemini(ctx, settings.GeminiModel, content)
	}
}

func (s *Service) generateGemini(ctx context.Context, model string, content domain.PostContent) (string, error) {
	parts := []gemini.Part{{Text: buildPrompt(content)}}
	for _, url := range content.ImageURLs {
		parts = append(parts, gemini.Part{FileData: &gemini.FileData{MIMEType: "image/jpeg", FileURI: url}})
	}
	resp, err := s.gemini.GenerateContent(ctx, model, gemini.GenerateContentRequest{
		Contents:         []gemini.Content{{Parts: parts}},
		GenerationConfig: &gemini.GenerationConfig{Temperature: 0.2, MaxOutputTokens: 400},
	})
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	summary := resp.Text()
	if summary == "" {
		return "", fmt.Errorf("gemini completion: пустой ответ")
	}
	return summary, nil
}

func (s *Service) generateOpenAI(ctx context.Context, model string, content domain.PostContent) (string, error) {
	resp, err := s.openai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0.2,
		MaxTokens:   400,
		Messages: []openai.ChatMessage{
			{
				Role:    openai.RoleSystem,
				Content: "Ты помощник-редактор. Сохраняй факты из текста и не выдумывай ничего нового.",
			},
			{
				Role:    openai.RoleUser,
				Content: buildPrompt(content),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: пустой ответ")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("openai completion: пустой ответ")
	}
	return summary, nil
}

func buildPrompt(content domain.PostContent) string {
	var b strings.Builder
	b.WriteString("Сделай краткое и информативное резюме следующего поста")
	if content.Channel != "" {
		fmt.Fprintf(&b, " из канала @%s", content.Channel)
	}
	b.WriteString(`.

Требования:
- Резюме на русском языке
- Выдели 2-3 ключевые мысли
- Используй маркированный список для основных пунктов
- Будь лаконичен (максимум 3-4 предложения)
- Если есть цифры/даты/имена — сохрани их

Текст поста:
`)
	b.WriteString(clipRunes(content.Text, maxPromptRunes))
	return b.String()
}

// rateLimitWait распознаёт ответ 429 любого провайдера и считает паузу.
// Если провайдер не подсказал задержку, пауза растёт с номером попытки.
func rateLimitWait(err error, attempt int) (time.Duration, bool) {
	var advised time.Duration
	var geminiRL *gemini.RateLimitError
	var openaiRL *openai.RateLimitError
	switch {
	case errors.As(err, &geminiRL):
		advised = geminiRL.RetryAfter
	case errors.As(err, &openaiRL):
		advised = openaiRL.RetryAfter
	default:
		return 0, false
	}
	if advised <= 0 {
		return time.Duration(attempt+1) * time.Minute, true
	}
	return advised + retryMargin, true
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
