package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sorok-Dva/project42-sync/internal/protocol"
)

// mockPusher collects RPush calls in place of a Redis server.
type mockPusher struct {
	mu     sync.Mutex
	keys   []string
	values [][]byte
	fail   error
}

func (m *mockPusher) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if m.fail != nil {
		cmd.SetErr(m.fail)
		return cmd
	}
	for _, v := range values {
		m.keys = append(m.keys, key)
		m.values = append(m.values, v.([]byte))
	}
	cmd.SetVal(int64(len(m.values)))
	return cmd
}

func (m *mockPusher) entries(t *testing.T) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.values))
	for _, v := range m.values {
		var e Entry
		require.NoError(t, json.Unmarshal(v, &e))
		out = append(out, e)
	}
	return out
}

func (m *mockPusher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func event(t *testing.T, seq uint64) protocol.Event {
	ev, err := protocol.NewEvent(protocol.EventPlayerReadyChanged, seq, protocol.PlayerReadyChangedPayload{PlayerID: "p1", Ready: true})
	require.NoError(t, err)
	ev.CorrelationID = "c-1"
	return ev
}

func run(t *testing.T, j *Redis) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, j.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	p := &mockPusher{}
	clock := clockwork.NewFakeClock()
	j := NewRedis(p, Config{Queue: "room_events", BatchSize: 3}, clock, quietLogger())
	stop := run(t, j)
	defer stop()

	for seq := uint64(1); seq <= 3; seq++ {
		j.Record("r1", event(t, seq))
	}
	require.Eventually(t, func() bool { return p.count() == 3 }, time.Second, 5*time.Millisecond)

	got := p.entries(t)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, "r1", got[0].RoomID)
	assert.Equal(t, "playerReadyChanged", got[0].Type)
	assert.Equal(t, "c-1", got[0].CorrelationID)
	assert.JSONEq(t, `{"playerId":"p1","ready":true}`, string(got[0].Data))
	assert.Equal(t, clock.Now().UnixMilli(), got[0].ReceivedAt)
	assert.Equal(t, []string{"room_events", "room_events", "room_events"}, p.keys)
	assert.Equal(t, uint64(3), j.Pushed())
}

func TestFlushOnTick(t *testing.T) {
	p := &mockPusher{}
	clock := clockwork.NewFakeClock()
	j := NewRedis(p, Config{BatchSize: 100, FlushDelay: time.Second}, clock, quietLogger())
	stop := run(t, j)
	defer stop()

	j.Record("r1", event(t, 7))
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	assert.Never(t, func() bool { return p.count() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{DefaultConfig().Queue}, p.keys)
}

func TestFlushOnShutdown(t *testing.T) {
	p := &mockPusher{}
	j := NewRedis(p, Config{BatchSize: 100, FlushDelay: time.Hour}, clockwork.NewFakeClock(), quietLogger())
	stop := run(t, j)

	j.Record("r1", event(t, 1))
	j.Record("r1", event(t, 2))
	stop()
	assert.Equal(t, 2, p.count())
}

func TestDropsWhenBufferFull(t *testing.T) {
	p := &mockPusher{}
	j := NewRedis(p, Config{Buffer: 2}, clockwork.NewFakeClock(), quietLogger())

	for seq := uint64(1); seq <= 5; seq++ {
		j.Record("r1", event(t, seq))
	}
	assert.Equal(t, uint64(3), j.Dropped())

	stop := run(t, j)
	stop()
	got := p.entries(t)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
}

func TestFailedPushCountsAsDropped(t *testing.T) {
	p := &mockPusher{fail: errors.New("READONLY You can't write against a read only replica")}
	j := NewRedis(p, Config{BatchSize: 2}, clockwork.NewFakeClock(), quietLogger())
	stop := run(t, j)
	defer stop()

	j.Record("r1", event(t, 1))
	j.Record("r1", event(t, 2))
	require.Eventually(t, func() bool { return j.Dropped() == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, j.Pushed())
}
