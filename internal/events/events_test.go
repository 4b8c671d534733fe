package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoURLIsNoop(t *testing.T) {
	p, err := New(context.Background(), "", logr.Discard())
	require.NoError(t, err)
	assert.Nil(t, p.rdb)

	// must not panic or block with no backend configured
	p.Publish(context.Background(), "acme", Event{Type: "STORE_READY"})
	p.DeleteStream(context.Background(), "acme")
}

func TestPublish_AppendsToStreamAndChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(context.Background(), "redis://"+mr.Addr(), logr.Discard())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := p.rdb.Subscribe(ctx, globalChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	p.Publish(context.Background(), "acme", Event{
		Type:      "STORE_READY",
		Store:     "acme",
		Phase:     "Ready",
		Message:   "Store is ready",
		Timestamp: time.Now(),
	})

	entries, err := p.rdb.XRange(context.Background(), "store:events:acme", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "STORE_READY", entries[0].Values["type"])

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"type":"STORE_READY"`)
}

func TestDeleteStream_RemovesKey(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(context.Background(), "redis://"+mr.Addr(), logr.Discard())
	require.NoError(t, err)
	defer p.Close()

	p.Publish(context.Background(), "acme", Event{Type: "STORE_READY"})
	require.True(t, mr.Exists("store:events:acme"))

	p.DeleteStream(context.Background(), "acme")
	assert.False(t, mr.Exists("store:events:acme"))
}
