package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-resume-bot/internal/domain"
)

type stubChannelRepo struct {
	channels   []domain.Channel
	watermarks map[int64]int64
	touched    map[int64]int
}

func newStubChannelRepo(channels ...domain.Channel) *stubChannelRepo {
	r := &stubChannelRepo{channels: channels, watermarks: map[int64]int64{}, touched: map[int64]int{}}
	for _, ch := range channels {
		r.watermarks[ch.ID] = ch.LastPostID
	}
	return r
}

func (r *stubChannelRepo) UpsertChannel(context.Context, string, string, int64) (domain.Channel, error) {
	return domain.Channel{}, nil
}
func (r *stubChannelRepo) GetByUsername(context.Context, string) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrNotFound
}
func (r *stubChannelRepo) ListChannels(context.Context) ([]domain.Channel, error) {
	return r.channels, nil
}
func (r *stubChannelRepo) ListActiveChannels(context.Context) ([]domain.Channel, error) {
	var active []domain.Channel
	for _, ch := range r.channels {
		if ch.IsActive {
			active = append(active, ch)
		}
	}
	return active, nil
}
func (r *stubChannelRepo) SetActive(context.Context, int64, bool) error { return nil }
func (r *stubChannelRepo) AdvanceWatermark(_ context.Context, id, postID int64) error {
	if postID > r.watermarks[id] {
		r.watermarks[id] = postID
	}
	return nil
}
func (r *stubChannelRepo) TouchChecked(_ context.Context, id int64, _ time.Time) error {
	r.touched[id]++
	return nil
}
func (r *stubChannelRepo) DeleteChannel(context.Context, int64) error { return nil }

type stubSubsRepo struct {
	subscribers []domain.User
}

func (r *stubSubsRepo) Subscribe(context.Context, int64, int64) (bool, error) { return true, nil }
func (r *stubSubsRepo) Unsubscribe(context.Context, int64, int64) error       { return nil }
func (r *stubSubsRepo) ListSubscriptions(context.Context) ([]domain.Subscription, error) {
	return nil, nil
}
func (r *stubSubsRepo) ListUserChannels(context.Context, int64) ([]domain.Channel, error) {
	return nil, nil
}
func (r *stubSubsRepo) ListSubscribers(context.Context, int64) ([]domain.User, error) {
	return r.subscribers, nil
}

type stubPostRepo struct {
	saved    []domain.Post
	existing map[string]bool
}

func (r *stubPostRepo) SavePost(_ context.Context, post domain.Post) (bool, error) {
	key := fmt.Sprintf("%d:%d", post.ChannelID, post.PostID)
	if r.existing == nil {
		r.existing = map[string]bool{}
	}
	if r.existing[key] {
		return false, nil
	}
	r.existing[key] = true
	r.saved = append(r.saved, post)
	return true, nil
}
func (r *stubPostRepo) ListRecentPosts(context.Context, int) ([]domain.Post, error) {
	return r.saved, nil
}

type stubFetcher struct {
	posts    map[string][]domain.ParsedPost
	fetchErr map[string]error
}

func (f *stubFetcher) FetchNew(_ context.Context, username string, afterPostID int64) ([]domain.ParsedPost, error) {
	if err := f.fetchErr[username]; err != nil {
		return nil, err
	}
	var out []domain.ParsedPost
	for _, p := range f.posts[username] {
		if p.PostID > afterPostID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *stubFetcher) ChannelInfo(context.Context, string) (domain.ChannelInfo, error) {
	return domain.ChannelInfo{}, nil
}
func (f *stubFetcher) IsPublic(context.Context, string) bool { return true }
func (f *stubFetcher) LatestPostID(context.Context, string) (int64, error) {
	return 0, nil
}

type stubSummarizer struct {
	failOn map[int64]error
	calls  []string
}

func (s *stubSummarizer) Summarize(_ context.Context, content domain.PostContent) (string, error) {
	s.calls = append(s.calls, content.Text)
	for id, err := range s.failOn {
		if content.Text == fmt.Sprintf("post %d", id) {
			return "", err
		}
	}
	return "резюме: " + content.Text, nil
}

type recordingDeliverer struct {
	delivered []string
	err       error
}

func (d *recordingDeliverer) DeliverSummary(_ context.Context, tgUserID int64, channel string, postID int64, _ string) error {
	d.delivered = append(d.delivered, fmt.Sprintf("%d:%s:%d", tgUserID, channel, postID))
	return d.err
}

type memRetryTracker struct {
	counts map[string]int
}

func (t *memRetryTracker) key(channelID, postID int64) string {
	return fmt.Sprintf("%d:%d", channelID, postID)
}
func (t *memRetryTracker) BumpFailure(_ context.Context, channelID, postID int64) (int, error) {
	if t.counts == nil {
		t.counts = map[string]int{}
	}
	t.counts[t.key(channelID, postID)]++
	return t.counts[t.key(channelID, postID)], nil
}
func (t *memRetryTracker) ResetFailure(_ context.Context, channelID, postID int64) error {
	delete(t.counts, t.key(channelID, postID))
	return nil
}

func parsedPosts(ids ...int64) []domain.ParsedPost {
	var out []domain.ParsedPost
	for _, id := range ids {
		out = append(out, domain.ParsedPost{PostID: id, Text: fmt.Sprintf("post %d", id)})
	}
	return out
}

func newTestService(channels *stubChannelRepo, subs *stubSubsRepo, posts *stubPostRepo, fetcher *stubFetcher, sum *stubSummarizer, del *recordingDeliverer, tracker *memRetryTracker, forceAfter int) *Service {
	return NewService(channels, subs, posts, fetcher, sum, del, tracker, time.Second, forceAfter, zerolog.Nop())
}

func TestRunCycleAdvancesWatermark(t *testing.T) {
	channels := newStubChannelRepo(domain.Channel{ID: 1, Username: "demo", LastPostID: 10, IsActive: true})
	subs := &stubSubsRepo{subscribers: []domain.User{{ID: 1, TGUserID: 42}}}
	posts := &stubPostRepo{}
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"demo": parsedPosts(11, 12, 13)}}
	sum := &stubSummarizer{}
	del := &recordingDeliverer{}
	svc := newTestService(channels, subs, posts, fetcher, sum, del, &memRetryTracker{}, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if channels.watermarks[1] != 13 {
		t.Fatalf("ожидали водяной знак 13, получили %d", channels.watermarks[1])
	}
	if len(posts.saved) != 3 {
		t.Fatalf("ожидали 3 сохранённых поста, получили %d", len(posts.saved))
	}
	if len(del.delivered) != 3 {
		t.Fatalf("ожидали 3 доставки, получили %d", len(del.delivered))
	}
	if del.delivered[0] != "42:demo:11" {
		t.Fatalf("неожиданная первая доставка: %s", del.delivered[0])
	}
	if channels.touched[1] != 1 {
		t.Fatalf("ожидали одну отметку проверки")
	}
}

func TestRunCycleHaltsOnFailure(t *testing.T) {
	channels := newStubChannelRepo(domain.Channel{ID: 1, Username: "demo", LastPostID: 10, IsActive: true})
	posts := &stubPostRepo{}
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"demo": parsedPosts(11, 12, 13)}}
	sum := &stubSummarizer{failOn: map[int64]error{12: errors.New("boom")}}
	del := &recordingDeliverer{}
	svc := newTestService(channels, &stubSubsRepo{}, posts, fetcher, sum, del, &memRetryTracker{}, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("ошибка канала не должна всплывать из цикла: %v", err)
	}
	// Пост 11 обработан, 12 упал, 13 не трогали.
	if channels.watermarks[1] != 11 {
		t.Fatalf("ожидали водяной знак 11, получили %d", channels.watermarks[1])
	}
	if len(sum.calls) != 2 {
		t.Fatalf("ожидали 2 вызова суммаризатора, получили %d", len(sum.calls))
	}
	if channels.touched[1] != 1 {
		t.Fatal("время проверки должно отмечаться и при ошибке")
	}
}

func TestRunCycleRetriesNextCycle(t *testing.T) {
	channels := newStubChannelRepo(domain.Channel{ID: 1, Username: "demo", LastPostID: 10, IsActive: true})
	posts := &stubPostRepo{}
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"demo": parsedPosts(11, 12)}}
	sum := &stubSummarizer{failOn: map[int64]error{11: errors.New("boom")}}
	del := &recordingDeliverer{}
	tracker := &memRetryTracker{}
	svc := newTestService(channels, &stubSubsRepo{}, posts, fetcher, sum, del, tracker, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if channels.watermarks[1] != 10 {
		t.Fatalf("водяной знак не должен сдвигаться, получили %d", channels.watermarks[1])
	}

	// Провайдер ожил, следующий цикл добирает оба поста.
	sum.failOn = nil
	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if channels.watermarks[1] != 12 {
		t.Fatalf("ожидали водяной знак 12, получили %d", channels.watermarks[1])
	}
	if len(tracker.counts) != 0 {
		t.Fatalf("счётчики повторов должны сбрасываться после успеха")
	}
}

func TestRunCycleRateLimitSkipsWithoutBump(t *testing.T) {
	channels := newStubChannelRepo(domain.Channel{ID: 1, Username: "demo", LastPostID: 10, IsActive: true})
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"demo": parsedPosts(11)}}
	sum := &stubSummarizer{failOn: map[int64]error{11: domain.ErrRateLimited}}
	tracker := &memRetryTracker{}
	svc := newTestService(channels, &stubSubsRepo{}, &stubPostRepo{}, fetcher, sum, &recordingDeliverer{}, tracker, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if channels.watermarks[1] != 10 {
		t.Fatalf("водяной знак не должен сдвигаться при троттлинге")
	}
	if len(tracker.counts) != 0 {
		t.Fatalf("троттлинг не должен увеличивать счётчик повторов")
	}
}

func TestRunCycleForceAdvancesPoisonPost(t *testing.T) {
	channels := newStubChannelRepo(domain.Channel{ID: 1, Username: "demo", LastPostID: 10, IsActive: true})
	posts := &stubPostRepo{}
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"demo": parsedPosts(11, 12)}}
	sum := &stubSummarizer{failOn: map[int64]error{11: errors.New("poison")}}
	del := &recordingDeliverer{}
	svc := newTestService(channels, &stubSubsRepo{}, posts, fetcher, sum, del, &memRetryTracker{}, 3)

	for i := 0; i < 2; i++ {
		if err := svc.RunCycle(context.Background()); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if channels.watermarks[1] != 10 {
			t.Fatalf("цикл %d: водяной знак сдвинулся раньше времени", i)
		}
	}

	// Третий провал достигает порога: пост 11 пропускается, 12 обрабатывается.
	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if channels.watermarks[1] != 12 {
		t.Fatalf("ожидали водяной знак 12 после принудительного сдвига, получили %d", channels.watermarks[1])
	}
	if len(posts.saved) != 1 || posts.saved[0].PostID != 12 {
		t.Fatalf("ожидали сохранённым только пост 12")
	}
}

func TestRunCycleChannelIsolation(t *testing.T) {
	channels := newStubChannelRepo(
		domain.Channel{ID: 1, Username: "broken", LastPostID: 0, IsActive: true},
		domain.Channel{ID: 2, Username: "healthy", LastPostID: 0, IsActive: true},
	)
	fetcher := &stubFetcher{
		posts:    map[string][]domain.ParsedPost{"healthy": parsedPosts(1)},
		fetchErr: map[string]error{"broken": errors.New("сеть недоступна")},
	}
	svc := newTestService(channels, &stubSubsRepo{}, &stubPostRepo{}, fetcher, &stubSummarizer{}, &recordingDeliverer{}, &memRetryTracker{}, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if channels.watermarks[2] != 1 {
		t.Fatalf("ошибка одного канала не должна мешать другому")
	}
	if channels.touched[1] != 1 || channels.touched[2] != 1 {
		t.Fatal("время проверки отмечается для всех каналов")
	}
}

func TestRunCycleSkipsInactiveChannels(t *testing.T) {
	channels := newStubChannelRepo(
		domain.Channel{ID: 1, Username: "off", LastPostID: 0, IsActive: false},
	)
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"off": parsedPosts(1)}}
	sum := &stubSummarizer{}
	svc := newTestService(channels, &stubSubsRepo{}, &stubPostRepo{}, fetcher, sum, &recordingDeliverer{}, &memRetryTracker{}, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(sum.calls) != 0 {
		t.Fatal("неактивные каналы не должны опрашиваться")
	}
}

func TestRunCycleDuplicatePostNotRedelivered(t *testing.T) {
	channels := newStubChannelRepo(domain.Channel{ID: 1, Username: "demo", LastPostID: 10, IsActive: true})
	subs := &stubSubsRepo{subscribers: []domain.User{{ID: 1, TGUserID: 42}}}
	posts := &stubPostRepo{existing: map[string]bool{"1:11": true}}
	fetcher := &stubFetcher{posts: map[string][]domain.ParsedPost{"demo": parsedPosts(11)}}
	del := &recordingDeliverer{}
	svc := newTestService(channels, subs, posts, fetcher, &stubSummarizer{}, del, &memRetryTracker{}, 5)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(del.delivered) != 0 {
		t.Fatal("повторная вставка не должна приводить к доставке")
	}
	if channels.watermarks[1] != 11 {
		t.Fatalf("водяной знак всё равно сдвигается, получили %d", channels.watermarks[1])
	}
}
