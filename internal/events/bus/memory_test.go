package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sandboxagent/gateway/internal/common/logger"
	"github.com/sandboxagent/gateway/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(sessionID string) *schema.Event {
	return &schema.Event{
		EventID:   "e1",
		Sequence:  1,
		SessionID: sessionID,
		Type:      schema.EventItemDelta,
	}
}

type collector struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *collector) handler(_ context.Context, _ string, ev *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory(logger.Default())
	defer b.Close()

	var got collector
	_, err := b.Subscribe(SubjectForSession("s1"), got.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectForSession("s1"), testEvent("s1")))
	require.NoError(t, b.Publish(context.Background(), SubjectForSession("other"), testEvent("other")))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryWildcards(t *testing.T) {
	b := NewMemory(logger.Default())
	defer b.Close()

	var single, all collector
	_, err := b.Subscribe(SubjectPrefix+".*", single.handler)
	require.NoError(t, err)
	_, err = b.Subscribe(SubjectPrefix+".>", all.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectForSession("s1"), testEvent("s1")))
	require.NoError(t, b.Publish(context.Background(), SubjectPrefix+".s1.extra", testEvent("s1")))

	require.Eventually(t, func() bool { return all.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, single.count(), "* matches exactly one token")
}

func TestMemoryUnsubscribe(t *testing.T) {
	b := NewMemory(logger.Default())
	defer b.Close()

	var got collector
	sub, err := b.Subscribe(SubjectForSession("s1"), got.handler)
	require.NoError(t, err)
	assert.True(t, sub.Valid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.Valid())

	require.NoError(t, b.Publish(context.Background(), SubjectForSession("s1"), testEvent("s1")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.count())
}

func TestMemoryClose(t *testing.T) {
	b := NewMemory(logger.Default())
	assert.True(t, b.Connected())

	b.Close()
	assert.False(t, b.Connected())

	err := b.Publish(context.Background(), SubjectForSession("s1"), testEvent("s1"))
	assert.Error(t, err)
	_, err = b.Subscribe(SubjectForSession("s1"), (&collector{}).handler)
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New("", logger.Default())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &Memory{}, b)
}
