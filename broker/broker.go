// Package broker holds all volatile per-session coordination state in Redis:
// the event feed, the user-input mailbox, stop flags, status and data caches,
// worker heartbeats, session ownership and the dispatch queue. Every key is
// TTL-bound so an abandoned session evaporates on its own.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dataelem/linsight/event"
)

// ErrNoEvent is returned by PopEvent when the feed is empty.
var ErrNoEvent = errors.New("broker: no event")

// ErrNoInput is returned by TakeUserInput when the mailbox is empty.
var ErrNoInput = errors.New("broker: no user input")

// QueueKey is the shared dispatch list all workers pull from.
const QueueKey = "linsight:queue"

func eventsKey(sessionVersionID string) string {
	return "linsight:session:" + sessionVersionID + ":events"
}

func inputKey(sessionVersionID string) string {
	return "linsight:session:" + sessionVersionID + ":input"
}

func stopKey(sessionVersionID string) string {
	return "linsight:session:" + sessionVersionID + ":stop"
}

func statusKey(sessionVersionID string) string {
	return "linsight:session:" + sessionVersionID + ":status"
}

func dataKey(sessionVersionID string) string {
	return "linsight:session:" + sessionVersionID + ":data"
}

func heartbeatKey(nodeID string) string {
	return "linsight:node:" + nodeID + ":heartbeat"
}

func ownerKey(sessionVersionID string) string {
	return "linsight:task:" + sessionVersionID + ":owner"
}

// Broker is the Redis-backed coordination layer.
type Broker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration // session key lifetime, task timeout plus margin
	logger *zap.Logger
}

// New 创建 broker。ttl 为会话键的存活时间。
func New(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Broker {
	if ttl <= 0 {
		ttl = 13 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{rdb: rdb, ttl: ttl, logger: logger}
}

// ---- event feed ----

// PushEvent appends one event to the session's feed and refreshes its TTL.
func (b *Broker) PushEvent(ctx context.Context, sessionVersionID string, ev event.Event) error {
	data, err := event.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := eventsKey(sessionVersionID)
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, b.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// PopEvent removes and returns the oldest pending event of the session.
func (b *Broker) PopEvent(ctx context.Context, sessionVersionID string) (event.Event, error) {
	data, err := b.rdb.LPop(ctx, eventsKey(sessionVersionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return event.Event{}, ErrNoEvent
	}
	if err != nil {
		return event.Event{}, err
	}
	return event.Decode(data)
}

// PendingEvents reports how many events are waiting in the feed.
func (b *Broker) PendingEvents(ctx context.Context, sessionVersionID string) (int64, error) {
	return b.rdb.LLen(ctx, eventsKey(sessionVersionID)).Result()
}

// ---- user-input mailbox ----

// SetUserInput deposits the user's reply for a suspended task.
func (b *Broker) SetUserInput(ctx context.Context, sessionVersionID, input string) error {
	return b.rdb.Set(ctx, inputKey(sessionVersionID), input, b.ttl).Err()
}

// TakeUserInput atomically reads and clears the mailbox, so one reply resumes
// exactly one suspension.
func (b *Broker) TakeUserInput(ctx context.Context, sessionVersionID string) (string, error) {
	val, err := b.rdb.GetDel(ctx, inputKey(sessionVersionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoInput
	}
	return val, err
}

// ---- stop flag ----

// SetStop raises the cooperative stop flag for a session.
func (b *Broker) SetStop(ctx context.Context, sessionVersionID string) error {
	return b.rdb.Set(ctx, stopKey(sessionVersionID), "1", b.ttl).Err()
}

// IsStopped reports whether the stop flag is raised. Redis errors read as
// not-stopped; the caller keeps executing and the next checkpoint retries.
func (b *Broker) IsStopped(ctx context.Context, sessionVersionID string) bool {
	n, err := b.rdb.Exists(ctx, stopKey(sessionVersionID)).Result()
	if err != nil {
		b.logger.Warn("stop flag check failed", zap.String("session_version_id", sessionVersionID), zap.Error(err))
		return false
	}
	return n > 0
}

// ---- status and data caches ----

// SetSessionStatus caches the externally visible status of a session version.
func (b *Broker) SetSessionStatus(ctx context.Context, sessionVersionID, status string) error {
	return b.rdb.Set(ctx, statusKey(sessionVersionID), status, b.ttl).Err()
}

// GetSessionStatus returns the cached status, empty when absent.
func (b *Broker) GetSessionStatus(ctx context.Context, sessionVersionID string) (string, error) {
	val, err := b.rdb.Get(ctx, statusKey(sessionVersionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// SetSessionData caches the serialized session payload handed to workers.
func (b *Broker) SetSessionData(ctx context.Context, sessionVersionID string, data []byte) error {
	return b.rdb.Set(ctx, dataKey(sessionVersionID), data, b.ttl).Err()
}

// GetSessionData returns the cached payload, nil when absent.
func (b *Broker) GetSessionData(ctx context.Context, sessionVersionID string) ([]byte, error) {
	val, err := b.rdb.Get(ctx, dataKey(sessionVersionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// ---- worker liveness and ownership ----

// Heartbeat refreshes the node's liveness key.
func (b *Broker) Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) error {
	return b.rdb.Set(ctx, heartbeatKey(nodeID), time.Now().Format(time.RFC3339), ttl).Err()
}

// IsNodeAlive reports whether the node's heartbeat key still exists.
func (b *Broker) IsNodeAlive(ctx context.Context, nodeID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, heartbeatKey(nodeID)).Result()
	return n > 0, err
}

// SetOwner records which node is executing the session version. A zero ttl
// falls back to one day.
func (b *Broker) SetOwner(ctx context.Context, sessionVersionID, nodeID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return b.rdb.Set(ctx, ownerKey(sessionVersionID), nodeID, ttl).Err()
}

// GetOwner returns the owning node id, empty when unowned.
func (b *Broker) GetOwner(ctx context.Context, sessionVersionID string) (string, error) {
	val, err := b.rdb.Get(ctx, ownerKey(sessionVersionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// ClearOwner removes the ownership record.
func (b *Broker) ClearOwner(ctx context.Context, sessionVersionID string) error {
	return b.rdb.Del(ctx, ownerKey(sessionVersionID)).Err()
}

// ---- dispatch queue ----

// Enqueue appends a session version to the dispatch queue.
func (b *Broker) Enqueue(ctx context.Context, sessionVersionID string) error {
	return b.rdb.RPush(ctx, QueueKey, sessionVersionID).Err()
}

// BlockingPop waits up to timeout for queued work. Empty string means the
// wait timed out.
func (b *Broker) BlockingPop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := b.rdb.BLPop(ctx, timeout, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	return res[1], nil
}

// QueuePosition returns the zero-based position of a session in the queue,
// -1 when not queued.
func (b *Broker) QueuePosition(ctx context.Context, sessionVersionID string) (int64, error) {
	pos, err := b.rdb.LPos(ctx, QueueKey, sessionVersionID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	return pos, err
}

// QueueRemove drops a session from the queue before a worker picks it up.
// Returns true when an entry was removed.
func (b *Broker) QueueRemove(ctx context.Context, sessionVersionID string) (bool, error) {
	n, err := b.rdb.LRem(ctx, QueueKey, 0, sessionVersionID).Result()
	return n > 0, err
}

// QueueLen reports the number of queued sessions.
func (b *Broker) QueueLen(ctx context.Context) (int64, error) {
	return b.rdb.LLen(ctx, QueueKey).Result()
}

// ---- cleanup ----

// ClearSession removes every volatile key of a finished session version.
// Ownership is kept until ClearOwner so late events can still be attributed.
func (b *Broker) ClearSession(ctx context.Context, sessionVersionID string) error {
	return b.rdb.Del(ctx,
		eventsKey(sessionVersionID),
		inputKey(sessionVersionID),
		stopKey(sessionVersionID),
		statusKey(sessionVersionID),
		dataKey(sessionVersionID),
	).Err()
}
