package scraper

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
	"tg-resume-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://t.me"

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Scraper извлекает посты из веб-превью t.me/s/<alias>. Реализует domain.Fetcher.
type Scraper struct {
	http    *http.Client
	baseURL string
	policy  *bluemonday.Policy
	log     zerolog.Logger
	now     func() time.Time
}

var _ domain.Fetcher = (*Scraper)(nil)

// New создаёт скрейпер.
func New(timeout time.Duration, logger zerolog.Logger) *Scraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Scraper{
		http:    &http.Client{Timeout: timeout},
		baseURL: defaultBaseURL,
		policy:  bluemonday.StrictPolicy(),
		log:     logger,
		now:     time.Now,
	}
}

// WithBaseURL переключает адрес источника. Используется в тестах.
func (s *Scraper) WithBaseURL(base string) *Scraper {
	s.baseURL = strings.TrimRight(base, "/")
	return s
}

func (s *Scraper) get(ctx context.Context, url, operation, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("построение запроса: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := s.http.Do(req)
	metrics.ObserveNetworkRequest("scraper", operation, target, start, err)
	if err != nil {
		return nil, fmt.Errorf("запрос %s: %w", url, err)
	}
	return resp, nil
}

// FetchNew возвращает посты с ID больше afterPostID, по возрастанию ID.
// Временная метка в query ломает кэш промежуточного CDN.
func (s *Scraper) FetchNew(ctx context.Context, username string, afterPostID int64) ([]domain.ParsedPost, error) {
	url := fmt.Sprintf("%s/s/%s?_=%d", s.baseURL, username, s.now().Unix())
	resp, err := s.get(ctx, url, "fetch_posts", username)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("канал %s: неожиданный статус %d", username, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("разбор страницы %s: %w", username, err)
	}

	var posts []domain.ParsedPost
	doc.Find("div.tgme_widget_message").Each(func(_ int, msg *goquery.Selection) {
		dataPost, ok := msg.Attr("data-post")
		if !ok {
			return
		}
		postID, err := parsePostID(dataPost)
		if err != nil {
			s.log.Debug().Str("data_post", dataPost).Msg("пропущен пост без распознаваемого ID")
			return
		}
		if postID <= afterPostID {
			return
		}

		text := s.extractText(msg.Find("div.tgme_widget_message_text").First())
		if text == "" {
			// Веб-превью не отдаёт полезной нагрузки для чисто медийных постов.
			return
		}

		post := domain.ParsedPost{
			PostID:    postID,
			Text:      text,
			Views:     strings.TrimSpace(msg.Find("span.tgme_widget_message_views").First().Text()),
			ImageURLs: extractImages(msg),
		}
		if raw, ok := msg.Find("time.datetime").First().Attr("datetime"); ok {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				post.Date = &ts
			}
		}
		posts = append(posts, post)
	})

	sort.Slice(posts, func(i, j int) bool { return posts[i].PostID < posts[j].PostID })
	s.log.Debug().Str("channel", username).Int("posts", len(posts)).Msg("получены новые посты")
	return posts, nil
}

// ChannelInfo читает метаданные канала из OpenGraph-тегов.
func (s *Scraper) ChannelInfo(ctx context.Context, username string) (domain.ChannelInfo, error) {
	resp, err := s.get(ctx, fmt.Sprintf("%s/%s", s.baseURL, username), "channel_info", username)
	if err != nil {
		return domain.ChannelInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.ChannelInfo{}, fmt.Errorf("канал %s: неожиданный статус %d", username, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return domain.ChannelInfo{}, fmt.Errorf("разбор страницы %s: %w", username, err)
	}

	info := domain.ChannelInfo{Username: username}
	if v, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		info.Title = v
	}
	if v, ok := doc.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
		info.Description = v
	}
	if v, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok {
		info.PhotoURL = v
	}
	info.Subscribers = strings.TrimSpace(doc.Find("div.tgme_page_extra").First().Text())
	return info, nil
}

// IsPublic проверяет, отдаёт ли t.me/s страницу канала.
func (s *Scraper) IsPublic(ctx context.Context, username string) bool {
	resp, err := s.get(ctx, fmt.Sprintf("%s/s/%s", s.baseURL, username), "is_public", username)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// LatestPostID возвращает наибольший ID поста на странице превью.
// Используется как стартовый водяной знак для нового канала.
func (s *Scraper) LatestPostID(ctx context.Context, username string) (int64, error) {
	posts, err := s.FetchNew(ctx, username, 0)
	if err != nil {
		return 0, err
	}
	if len(posts) == 0 {
		return 0, nil
	}
	return posts[len(posts)-1].PostID, nil
}

// extractText превращает HTML сообщения в плоский текст с переводами строк.
func (s *Scraper) extractText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	html, err := sel.Html()
	if err != nil {
		return strings.TrimSpace(sel.Text())
	}
	html = strings.ReplaceAll(html, "<br>", "\n")
	html = strings.ReplaceAll(html, "<br/>", "\n")
	html = strings.ReplaceAll(html, "<br />", "\n")
	return strings.TrimSpace(s.policy.Sanitize(html))
}

func extractImages(msg *goquery.Selection) []string {
	var urls []string
	msg.Find("a.tgme_widget_message_photo_wrap").Each(func(_ int, photo *goquery.Selection) {
		style, ok := photo.Attr("style")
		if !ok {
			return
		}
		if url := styleBackgroundURL(style); url != "" {
			urls = append(urls, url)
		}
	})
	return urls
}

// styleBackgroundURL достаёт URL из style="background-image:url('...')".
func styleBackgroundURL(style string) string {
	start := strings.Index(style, "url('")
	if start == -1 {
		return ""
	}
	start += len("url('")
	end := strings.Index(style[start:], "')")
	if end == -1 {
		return ""
	}
	return style[start : start+end]
}

func parsePostID(dataPost string) (int64, error) {
	idx := strings.LastIndex(dataPost, "/")
	if idx == -1 || idx == len(dataPost)-1 {
		return 0, fmt.Errorf("некорректный data-post %q", dataPost)
	}
	return strconv.ParseInt(dataPost[idx+1:], 10, 64)
}
