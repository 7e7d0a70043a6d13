package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []published
	offline bool
	err     error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject, data})
	return nil
}

func (c *fakeConn) IsConnected() bool { return !c.offline }

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

func TestPublisher_Subject(t *testing.T) {
	assert.Equal(t, "shipbot.order.completed", NewPublisher(&fakeConn{}, "shipbot", testLogger()).Subject("order.completed"))
	assert.Equal(t, "ops.label.failed", NewPublisher(&fakeConn{}, "ops.", testLogger()).Subject("label.failed"))
	assert.Equal(t, "label.failed", NewPublisher(&fakeConn{}, "", testLogger()).Subject("label.failed"))
}

func TestPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "shipbot", testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	require.NoError(t, p.Publish(context.Background(), hooks.EventOrderCompleted, map[string]any{"user": "42"}))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "shipbot.order.completed", conn.msgs[0].subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &env))
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, hooks.EventOrderCompleted, env.Event)
	assert.True(t, fixed.Equal(env.Time))
	assert.Equal(t, "42", env.Data["user"])
}

func TestPublisher_PublishOffline(t *testing.T) {
	conn := &fakeConn{offline: true}
	p := NewPublisher(conn, "shipbot", testLogger())
	require.NoError(t, p.Publish(context.Background(), hooks.EventLabelFailed, nil))
	assert.Len(t, conn.msgs, 1)
}

func TestPublisher_PublishError(t *testing.T) {
	p := NewPublisher(&fakeConn{err: errors.New("connection closed")}, "shipbot", testLogger())
	err := p.Publish(context.Background(), hooks.EventLabelFailed, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label.failed")
}

func TestPublisher_Attach(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "shipbot", testLogger())
	m := hooks.NewManager(testLogger())
	p.Attach(m, hooks.AdminEvents)

	m.Emit(context.Background(), hooks.EventPaymentReceived, map[string]any{"amount": "$20.00"})
	m.Emit(context.Background(), hooks.EventMessageReceived, nil)

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "shipbot.payment.received", conn.msgs[0].subject)
}
