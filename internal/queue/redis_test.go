package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkimg/internal/models"
)

type pendingEntry struct {
	msg      redis.XMessage
	consumer string
	since    time.Time
}

// fakeStreams is an in-memory single-stream, single-group StreamClient. Idle
// time is measured against a clock the test advances.
type fakeStreams struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	unread  []redis.XMessage
	pending []*pendingEntry
	acked   []string
	groups  int
	added   []*redis.XAddArgs
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeStreams) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeStreams) push(payload string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	f.unread = append(f.unread, redis.XMessage{ID: id, Values: map[string]any{payloadField: payload}})
	return id
}

func (f *fakeStreams) owner(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pending {
		if p.msg.ID == id {
			return p.consumer
		}
	}
	return ""
}

func idSeq(id string) int {
	n, _ := strconv.Atoi(strings.SplitN(id, "-", 2)[0])
	return n
}

func (f *fakeStreams) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	f.added = append(f.added, a)
	f.mu.Unlock()
	payload, _ := a.Values.(map[string]any)[payloadField].(string)
	return redis.NewStringResult(f.push(payload), nil)
}

func (f *fakeStreams) XGroupCreateMkStream(context.Context, string, string, string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups++
	if f.groups > 1 {
		return redis.NewStatusResult("", errors.New("BUSYGROUP Consumer Group name already exists"))
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStreams) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	if len(f.unread) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
		case <-time.After(a.Block):
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	defer f.mu.Unlock()
	n := int(a.Count)
	if n <= 0 || n > len(f.unread) {
		n = len(f.unread)
	}
	msgs := f.unread[:n]
	f.unread = f.unread[n:]
	for _, m := range msgs {
		f.pending = append(f.pending, &pendingEntry{msg: m, consumer: a.Consumer, since: f.now})
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (f *fakeStreams) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := idSeq(a.Start)
	var (
		claimed []redis.XMessage
		next    = "0-0"
	)
	for _, p := range f.pending {
		if idSeq(p.msg.ID) < start || f.now.Sub(p.since) < a.MinIdle {
			continue
		}
		if int64(len(claimed)) == a.Count {
			next = p.msg.ID
			break
		}
		p.consumer = a.Consumer
		p.since = f.now
		claimed = append(claimed, p.msg)
	}
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(claimed, next)
	return cmd
}

func (f *fakeStreams) XPendingExt(_ context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.XPendingExt
	for _, p := range f.pending {
		if p.msg.ID == a.Start {
			out = append(out, redis.XPendingExt{ID: p.msg.ID, Consumer: p.consumer, Idle: f.now.Sub(p.since)})
		}
	}
	cmd := redis.NewXPendingExtCmd(context.Background())
	cmd.SetVal(out)
	return cmd
}

func (f *fakeStreams) XClaimJustID(_ context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, p := range f.pending {
		for _, id := range a.Messages {
			if p.msg.ID == id && f.now.Sub(p.since) >= a.MinIdle {
				p.consumer = a.Consumer
				p.since = f.now
				ids = append(ids, id)
			}
		}
	}
	return redis.NewStringSliceResult(ids, nil)
}

func (f *fakeStreams) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		for i, p := range f.pending {
			if p.msg.ID == id {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				f.acked = append(f.acked, id)
				n++
				break
			}
		}
	}
	return redis.NewIntResult(n, nil)
}

func redisTestConfig() models.RedisConfig {
	return models.RedisConfig{
		Stream:       "jobs",
		Group:        "workers",
		MaxLen:       1000,
		BlockTimeout: 5 * time.Millisecond,
		MinIdle:      time.Minute,
	}
}

func jobPayload(t *testing.T, id uuid.UUID) string {
	t.Helper()
	raw, err := Encode(models.Job{SubmissionID: id})
	require.NoError(t, err)
	return string(raw)
}

func TestRedisProducerAppendsCappedEntry(t *testing.T) {
	streams := newFakeStreams()
	p := NewRedisProducer(streams, redisTestConfig())
	id := uuid.New()

	require.NoError(t, p.Enqueue(context.Background(), models.Job{SubmissionID: id}))

	require.Len(t, streams.added, 1)
	assert.Equal(t, "jobs", streams.added[0].Stream)
	assert.Equal(t, int64(1000), streams.added[0].MaxLen)
	assert.True(t, streams.added[0].Approx)
	assert.ErrorContains(t, p.Enqueue(context.Background(), models.Job{}), "without submission id")
}

func TestRedisConsumerReceivesAndAcks(t *testing.T) {
	streams := newFakeStreams()
	c := NewRedisConsumer(streams, redisTestConfig(), "w-0", zerolog.Nop())
	first, second := uuid.New(), uuid.New()
	streams.push(jobPayload(t, first))
	streams.push(jobPayload(t, second))

	d, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, d.Job.SubmissionID)
	assert.Equal(t, "w-0", streams.owner(d.ID))
	require.NoError(t, d.Ack(context.Background()))

	d, err = c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, d.Job.SubmissionID)

	assert.Equal(t, []string{"1-0"}, streams.acked)
	assert.Equal(t, 1, streams.groups, "group is created once per consumer")
}

func TestRedisConsumerToleratesExistingGroup(t *testing.T) {
	streams := newFakeStreams()
	streams.groups = 1
	c := NewRedisConsumer(streams, redisTestConfig(), "w-0", zerolog.Nop())
	streams.push(jobPayload(t, uuid.New()))

	_, err := c.Receive(context.Background())
	assert.NoError(t, err)
}

func TestRedisConsumerAcksUndecodableEntries(t *testing.T) {
	streams := newFakeStreams()
	c := NewRedisConsumer(streams, redisTestConfig(), "w-0", zerolog.Nop())
	poison := streams.push("{not json")
	id := uuid.New()
	streams.push(jobPayload(t, id))

	d, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, d.Job.SubmissionID)
	assert.Equal(t, []string{poison}, streams.acked)
}

func TestRedisConsumerClaimsEntriesOfCrashedConsumer(t *testing.T) {
	streams := newFakeStreams()
	cfg := redisTestConfig()
	crashed := NewRedisConsumer(streams, cfg, "w-0", zerolog.Nop())
	id := uuid.New()
	streams.push(jobPayload(t, id))

	d, err := crashed.Receive(context.Background())
	require.NoError(t, err)
	orphan := d.ID

	streams.advance(cfg.MinIdle + time.Second)
	survivor := NewRedisConsumer(streams, cfg, "w-1", zerolog.Nop())
	d, err = survivor.Receive(context.Background())
	require.NoError(t, err)

	assert.Equal(t, orphan, d.ID)
	assert.Equal(t, id, d.Job.SubmissionID)
	assert.Equal(t, "w-1", streams.owner(orphan))
}

func TestRedisConsumerLeaseKeepsEntryFromBeingClaimed(t *testing.T) {
	streams := newFakeStreams()
	cfg := redisTestConfig()
	busy := NewRedisConsumer(streams, cfg, "w-0", zerolog.Nop())
	streams.push(jobPayload(t, uuid.New()))

	d, err := busy.Receive(context.Background())
	require.NoError(t, err)

	// Two thirds of the idle window, renew, then two thirds again.
	streams.advance(cfg.MinIdle * 2 / 3)
	require.NoError(t, d.Extend(context.Background()))
	streams.advance(cfg.MinIdle * 2 / 3)

	other := NewRedisConsumer(streams, cfg, "w-1", zerolog.Nop())
	require.NoError(t, other.fill(context.Background()))
	assert.Empty(t, other.backlog)
	assert.Equal(t, "w-0", streams.owner(d.ID))

	// Without further renewal the entry becomes claimable.
	streams.advance(cfg.MinIdle)
	other.claimAt = time.Time{}
	require.NoError(t, other.fill(context.Background()))
	require.Len(t, other.backlog, 1)
	assert.Equal(t, "w-1", streams.owner(d.ID))

	assert.ErrorIs(t, d.Extend(context.Background()), ErrLeaseLost)
	assert.Equal(t, "w-1", streams.owner(d.ID), "a lost lease must not take the entry back")
}

func TestRedisConsumerClaimScanPagesThenWaits(t *testing.T) {
	streams := newFakeStreams()
	cfg := redisTestConfig()
	crashed := NewRedisConsumer(streams, cfg, "w-0", zerolog.Nop())
	for i := 0; i < claimBatch+2; i++ {
		streams.push(jobPayload(t, uuid.New()))
		_, err := crashed.Receive(context.Background())
		require.NoError(t, err)
	}
	streams.advance(cfg.MinIdle)

	c := NewRedisConsumer(streams, cfg, "w-1", zerolog.Nop())
	require.NoError(t, c.fill(context.Background()))
	assert.Len(t, c.backlog, claimBatch)
	assert.Equal(t, fmt.Sprintf("%d-0", claimBatch+1), c.claimNext, "scan resumes where the batch stopped")
	assert.True(t, c.claimAt.IsZero(), "an unfinished scan continues on the next fill")

	c.backlog = nil
	require.NoError(t, c.fill(context.Background()))
	assert.Len(t, c.backlog, 2)
	assert.Equal(t, "0-0", c.claimNext)
	assert.True(t, c.claimAt.After(time.Now()), "a finished scan waits for the next idle window")

	// Until then only new entries are read.
	c.backlog = nil
	streams.advance(2 * cfg.MinIdle)
	id := streams.push(jobPayload(t, uuid.New()))
	require.NoError(t, c.fill(context.Background()))
	require.Len(t, c.backlog, 1)
	assert.Equal(t, id, c.backlog[0].ID)
}

func TestRedisConsumerDeliveryCarriesLease(t *testing.T) {
	streams := newFakeStreams()
	cfg := redisTestConfig()
	cfg.MinIdle = 30 * time.Millisecond
	c := NewRedisConsumer(streams, cfg, "w-0", zerolog.Nop())
	streams.push(jobPayload(t, uuid.New()))

	d, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, d.leaseEvery)
}

func TestRedisConsumerReturnsContextErrorWhenIdle(t *testing.T) {
	c := NewRedisConsumer(newFakeStreams(), redisTestConfig(), "w-0", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
