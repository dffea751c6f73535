// internal/journal/journal.go
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Sorok-Dva/project42-sync/internal/protocol"
)

// Entry is one applied room event as pushed to the Redis list.
type Entry struct {
	RoomID        string          `json:"room_id"`
	Seq           uint64          `json:"seq"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	ReceivedAt    int64           `json:"received_at"`
}

// Pusher is the part of *redis.Client the journal needs.
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type Config struct {
	Queue      string
	Buffer     int
	BatchSize  int
	FlushDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Queue:      "p42_room_events",
		Buffer:     1024,
		BatchSize:  20,
		FlushDelay: 500 * time.Millisecond,
	}
}

// Redis appends applied events to a Redis list in batches. Record never
// blocks the event path; when the buffer is full the entry is dropped.
type Redis struct {
	client Pusher
	cfg    Config
	clock  clockwork.Clock
	log    *logrus.Entry

	entries chan Entry
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// Connect creates a Redis client and checks it answers.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedis builds a journal. Zero config fields take the defaults.
func NewRedis(client Pusher, cfg Config, clock clockwork.Clock, logger *logrus.Logger) *Redis {
	def := DefaultConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redis{
		client:  client,
		cfg:     cfg,
		clock:   clock,
		log:     logger.WithFields(logrus.Fields{"component": "journal", "queue": cfg.Queue}),
		entries: make(chan Entry, cfg.Buffer),
	}
}

// Record queues ev for the next batch.
func (j *Redis) Record(roomID string, ev protocol.Event) {
	entry := Entry{
		RoomID:        roomID,
		Seq:           ev.Seq,
		Type:          string(ev.Kind),
		CorrelationID: ev.CorrelationID,
		Data:          ev.Data,
		ReceivedAt:    j.clock.Now().UnixMilli(),
	}
	select {
	case j.entries <- entry:
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warn("Journal buffer full, dropping entries")
		}
	}
}

// Dropped counts entries lost to a full buffer or a failed push.
func (j *Redis) Dropped() uint64 {
	return j.dropped.Load()
}

// Pushed counts entries written to Redis.
func (j *Redis) Pushed() uint64 {
	return j.pushed.Load()
}

// Run batches entries until ctx ends, then flushes what is left.
func (j *Redis) Run(ctx context.Context) error {
	ticker := j.clock.NewTicker(j.cfg.FlushDelay)
	defer ticker.Stop()

	batch := make([]Entry, 0, j.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-j.entries:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			j.flush(fctx, batch)
			cancel()
			return nil

		case e := <-j.entries:
			batch = append(batch, e)
			if len(batch) >= j.cfg.BatchSize {
				j.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.Chan():
			j.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

func (j *Redis) flush(ctx context.Context, batch []Entry) {
	if len(batch) == 0 {
		return
	}
	values := make([]interface{}, 0, len(batch))
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			j.dropped.Add(1)
			j.log.WithError(err).Warn("Journal entry not encodable")
			continue
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return
	}
	if err := j.client.RPush(ctx, j.cfg.Queue, values...).Err(); err != nil {
		j.dropped.Add(uint64(len(values)))
		j.log.WithError(err).WithField("entries", len(values)).Error("failed to RPush journal batch")
		return
	}
	j.pushed.Add(uint64(len(values)))
	j.log.WithField("entries", len(values)).Debug("Journal batch pushed")
}
