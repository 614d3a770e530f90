package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-resume-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client выполняет запросы generateContent к Gemini API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient создаёт клиента Gemini.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout + 5*time.Second}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// RateLimitError несёт паузу, которую посоветовал провайдер в ответе 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gemini: rate limit: %s", e.Message)
}

// GenerateContentRequest описывает тело запроса.
type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content — один блок содержимого диалога.
type Content struct {
	Parts []Part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

// Part — фрагмент содержимого: текст или ссылка на изображение.
type Part struct {
	Text     string    `json:"text,omitempty"`
	FileData *FileData `json:"fileData,omitempty"`
}

// FileData указывает на внешний файл по URI.
type FileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// GenerationConfig настраивает генерацию.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// GenerateContentResponse описывает ответ модели.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate содержит вариант ответа.
type Candidate struct {
	Content Content `json:"content"`
}

// UsageMetadata — статистика токенов.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Text собирает текст первого кандидата.
func (r *GenerateContentResponse) Text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String())
}

// GenerateContent вызывает /models/{model}:generateContent.
func (c *Client) GenerateContent(ctx context.Context, model string, req GenerateContentRequest) (GenerateContentResponse, error) {
	if c.apiKey == "" {
		return GenerateContentResponse{}, fmt.Errorf("gemini: api key is empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateContentResponse{}, fmt.Errorf("gemini: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return GenerateContentResponse{}, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "generate_content", model, start, err)
		return GenerateContentResponse{}, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "generate_content", model, start, err)
		return GenerateContentResponse{}, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		rlErr := parseRateLimit(respBody)
		metrics.ObserveNetworkRequest("gemini", "generate_content", model, start, rlErr)
		return GenerateContentResponse{}, rlErr
	}
	if resp.StatusCode >= 400 {
		err = apiError(respBody, resp.StatusCode)
		metrics.ObserveNetworkRequest("gemini", "generate_content", model, start, err)
		return GenerateContentResponse{}, err
	}
	var out GenerateContentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		metrics.ObserveNetworkRequest("gemini", "generate_content", model, start, err)
		return GenerateContentResponse{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("gemini", "generate_content", model, start, nil)
	if out.UsageMetadata != nil {
		metrics.ObserveLLMGeneration(model, time.Since(start), out.UsageMetadata.PromptTokenCount, out.UsageMetadata.CandidatesTokenCount, out.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// ModelInfo описывает доступную модель.
type ModelInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ListModels возвращает доступные модели.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is empty")
	}
	endpoint := fmt.Sprintf("%s/models?key=%s", c.baseURL, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "list_models", "models", start, err)
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "list_models", "models", start, err)
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err = apiError(respBody, resp.StatusCode)
		metrics.ObserveNetworkRequest("gemini", "list_models", "models", start, err)
		return nil, err
	}
	var out struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		metrics.ObserveNetworkRequest("gemini", "list_models", "models", start, err)
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("gemini", "list_models", "models", start, nil)
	return out.Models, nil
}

// Ping проверяет доступность провайдера и валидность ключа.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

func apiError(body []byte, status int) error {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Errorf("gemini: %s", parsed.Error.Message)
	}
	return fmt.Errorf("gemini: unexpected status %d", status)
}

// parseRateLimit извлекает retryDelay из google.rpc.RetryInfo в деталях ошибки.
func parseRateLimit(body []byte) *RateLimitError {
	var parsed apiErrorResponse
	rl := &RateLimitError{Message: "quota exceeded"}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return rl
	}
	if parsed.Error.Message != "" {
		rl.Message = parsed.Error.Message
	}
	for _, detail := range parsed.Error.Details {
		if !strings.HasSuffix(detail.Type, "RetryInfo") || detail.RetryDelay == "" {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
			rl.RetryAfter = d
		}
	}
	return rl
}
