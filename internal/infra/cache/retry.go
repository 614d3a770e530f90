package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// retryTTL ограничивает память о неудачах: если канал перестали опрашивать,
// счётчик истекает сам.
const retryTTL = 24 * time.Hour

// RedisRetryTracker считает подряд идущие неудачные циклы по посту.
// Реализует domain.RetryTracker.
type RedisRetryTracker struct {
	client *redis.Client
}

// NewRetryTracker создаёт трекер неудач.
func NewRetryTracker(client *redis.Client) *RedisRetryTracker {
	return &RedisRetryTracker{client: client}
}

func retryKey(channelID, postID int64) string {
	return fmt.Sprintf("poll:fail:%d:%d", channelID, postID)
}

// BumpFailure увеличивает счётчик неудач и возвращает новое значение.
func (t *RedisRetryTracker) BumpFailure(ctx context.Context, channelID, postID int64) (int, error) {
	key := retryKey(channelID, postID)
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := t.client.Expire(ctx, key, retryTTL).Err(); err != nil {
		return int(n), err
	}
	return int(n), nil
}

// ResetFailure сбрасывает счётчик после успеха или принудительного сдвига.
func (t *RedisRetryTracker) ResetFailure(ctx context.Context, channelID, postID int64) error {
	return t.client.Del(ctx, retryKey(channelID, postID)).Err()
}
