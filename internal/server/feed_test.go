package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_LatestWins(t *testing.T) {
	f := newFeed[int]()
	ch, cancel := f.subscribe()
	defer cancel()

	f.publish(1)
	f.publish(2)
	f.publish(3)

	assert.Equal(t, 3, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	default:
	}
}

func TestFeed_SubscribeAfterPublish(t *testing.T) {
	f := newFeed[string]()
	f.publish("detecting")

	ch, cancel := f.subscribe()
	defer cancel()
	assert.Equal(t, "detecting", <-ch)
}

func TestFeed_CloseDeliversLatestThenEnds(t *testing.T) {
	f := newFeed[int]()
	f.publish(7)
	f.close()
	f.publish(8)

	ch, cancel := f.subscribe()
	defer cancel()
	v, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = <-ch
	assert.False(t, ok)

	snap, has := f.snapshot()
	assert.True(t, has)
	assert.Equal(t, 7, snap)
}

func TestFeed_CancelIsIdempotent(t *testing.T) {
	f := newFeed[int]()
	ch, cancel := f.subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	f.publish(1)
	f.close()
}
