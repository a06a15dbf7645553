package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/issue_coupon.lua
var issueCouponScript string

//go:embed scripts/revoke_issue.lua
var revokeIssueScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	issueScript   *redis.Script
	revokeScript  *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		issueScript:   redis.NewScript(issueCouponScript),
		revokeScript:  redis.NewScript(revokeIssueScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func couponStockKey(couponID int64) string {
	return fmt.Sprintf("coupon:stock:%d", couponID)
}

func couponIssuedKey(couponID int64) string {
	return fmt.Sprintf("coupon:issued:%d", couponID)
}

// Issue result codes returned by the coupon issue script.
const (
	IssueAlreadyIssued = -1
	IssueExhausted     = 0
	IssueOK            = 1
)

// TryIssueCoupon atomically checks the issued-user set and decrements the
// remaining counter. Returns one of the Issue* codes.
func (c *Client) TryIssueCoupon(ctx context.Context, couponID int64, userID string) (int64, error) {
	keys := []string{couponStockKey(couponID), couponIssuedKey(couponID)}

	result, err := c.issueScript.Run(ctx, c.rdb, keys, userID).Result()
	if err != nil {
		return 0, fmt.Errorf("issue coupon script failed: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type %T", result)
	}
	return code, nil
}

// RevokeIssue compensates a cache decrement whose durable write failed:
// the user leaves the issued set and the counter is incremented back.
func (c *Client) RevokeIssue(ctx context.Context, couponID int64, userID string) error {
	keys := []string{couponStockKey(couponID), couponIssuedKey(couponID)}

	if _, err := c.revokeScript.Run(ctx, c.rdb, keys, userID).Result(); err != nil {
		return fmt.Errorf("revoke issue script failed: %w", err)
	}
	return nil
}

// InitCouponStock rebuilds the cache for one coupon from durable state.
// The previous counter and set are discarded, whatever they held.
func (c *Client) InitCouponStock(ctx context.Context, couponID int64, remaining int, issuedUsers []string) error {
	stockKey := couponStockKey(couponID)
	issuedKey := couponIssuedKey(couponID)

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, stockKey, issuedKey)
	pipe.Set(ctx, stockKey, remaining, 0)
	if len(issuedUsers) > 0 {
		members := make([]interface{}, len(issuedUsers))
		for i, u := range issuedUsers {
			members[i] = u
		}
		pipe.SAdd(ctx, issuedKey, members...)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// GetCouponStock reads the cached remaining counter.
func (c *Client) GetCouponStock(ctx context.Context, couponID int64) (int, error) {
	return c.rdb.Get(ctx, couponStockKey(couponID)).Int()
}

func queueWaitingKey(eventType string, eventID int64) string {
	return fmt.Sprintf("queue:waiting:%s:%d", eventType, eventID)
}

func queueEnteredKey(eventType string, eventID int64) string {
	return fmt.Sprintf("queue:entered:%s:%d", eventType, eventID)
}

// EnqueueWaiting adds an entry token to the waiting zset, scored by join time.
func (c *Client) EnqueueWaiting(ctx context.Context, eventType string, eventID int64, token string, joinedAt time.Time) error {
	return c.rdb.ZAdd(ctx, queueWaitingKey(eventType, eventID), &redis.Z{
		Score:  float64(joinedAt.UnixMilli()),
		Member: token,
	}).Err()
}

// WaitingRank returns the zero-based FIFO position of a token, or -1 when the
// token is not in the waiting zset (caller falls back to the durable count).
func (c *Client) WaitingRank(ctx context.Context, eventType string, eventID int64, token string) (int64, error) {
	rank, err := c.rdb.ZRank(ctx, queueWaitingKey(eventType, eventID), token).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return rank, nil
}

// WaitingCount returns the size of the waiting zset.
func (c *Client) WaitingCount(ctx context.Context, eventType string, eventID int64) (int64, error) {
	return c.rdb.ZCard(ctx, queueWaitingKey(eventType, eventID)).Result()
}

// EnteredCount returns the size of the entered set.
func (c *Client) EnteredCount(ctx context.Context, eventType string, eventID int64) (int64, error) {
	return c.rdb.SCard(ctx, queueEnteredKey(eventType, eventID)).Result()
}

// PopWaiting removes and returns up to n oldest waiting tokens.
func (c *Client) PopWaiting(ctx context.Context, eventType string, eventID int64, n int) ([]string, error) {
	results, err := c.rdb.ZPopMin(ctx, queueWaitingKey(eventType, eventID), int64(n)).Result()
	if err != nil {
		return nil, err
	}

	tokens := make([]string, 0, len(results))
	for _, z := range results {
		if token, ok := z.Member.(string); ok {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// MarkEntered adds a token to the entered set.
func (c *Client) MarkEntered(ctx context.Context, eventType string, eventID int64, token string) error {
	return c.rdb.SAdd(ctx, queueEnteredKey(eventType, eventID), token).Err()
}

// RemoveEntry removes a token from both the waiting zset and the entered set.
func (c *Client) RemoveEntry(ctx context.Context, eventType string, eventID int64, token string) error {
	pipe := c.rdb.Pipeline()
	pipe.ZRem(ctx, queueWaitingKey(eventType, eventID), token)
	pipe.SRem(ctx, queueEnteredKey(eventType, eventID), token)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearQueue drops the redis mirror for a queue. Durable rows survive.
func (c *Client) ClearQueue(ctx context.Context, eventType string, eventID int64) error {
	return c.rdb.Del(ctx, queueWaitingKey(eventType, eventID), queueEnteredKey(eventType, eventID)).Err()
}

// TryAcquire takes a lease on key for the given holder token. Returns false
// when another holder owns the key.
func (c *Client) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, token, lease).Result()
}

// Release frees key only if token still holds it. Expired leases that were
// re-acquired by someone else are left untouched.
func (c *Client) Release(ctx context.Context, key, token string) error {
	if _, err := c.releaseScript.Run(ctx, c.rdb, []string{key}, token).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
