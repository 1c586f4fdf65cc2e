package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversInOrder(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	ctx := context.Background()

	b.Send([]byte{1})
	got, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)

	b.Send([]byte{2})
	got, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)
}

func TestBroadcastNeverBlocksProducer(t *testing.T) {
	b := NewBroadcaster()
	_ = b.Subscribe() // never reads

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Send([]byte{byte(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}
}

func TestBroadcastLaggedSubscriberGetsNewestSample(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	ctx := context.Background()

	// Subscriber sleeps through three sends with capacity 1.
	b.Send([]byte{1})
	b.Send([]byte{2})
	b.Send([]byte{3})

	// The two displaced samples surface as a single lag report...
	_, err := sub.Recv(ctx)
	var lag *LagError
	require.ErrorAs(t, err, &lag)
	assert.Equal(t, uint64(2), lag.Missed)

	// ...and the most recently produced sample is still delivered.
	got, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, got)
}

func TestBroadcastResumesAfterLag(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	ctx := context.Background()

	b.Send([]byte{1})
	b.Send([]byte{2})
	_, err := sub.Recv(ctx)
	require.Error(t, err)
	_, err = sub.Recv(ctx)
	require.NoError(t, err)

	// Once caught up, the next produced sample arrives without errors.
	b.Send([]byte{9})
	got, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)
}

func TestBroadcastIndependentSubscribers(t *testing.T) {
	b := NewBroadcaster()
	fast := b.Subscribe()
	slow := b.Subscribe()
	ctx := context.Background()

	b.Send([]byte{1})
	got, err := fast.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)

	b.Send([]byte{2})
	got, err = fast.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)

	// The slow subscriber lagged independently of the fast one.
	_, err = slow.Recv(ctx)
	var lag *LagError
	require.ErrorAs(t, err, &lag)
	got, err = slow.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)
}

func TestBroadcastClose(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	b.Close()

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// Subscribing after close yields a closed subscription.
	late := b.Subscribe()
	_, err = late.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	assert.Zero(t, b.Send([]byte{1}))
}

func TestBroadcastRecvHonorsContext(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()
	sub.Unsubscribe()

	assert.Zero(t, b.Send([]byte{1}))

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
