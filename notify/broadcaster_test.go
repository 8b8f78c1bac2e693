package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesLatest(t *testing.T) {
	b := NewBroadcaster[int]()
	b.Publish(1)
	b.Publish(2)

	ch, cancel := b.Subscribe()
	defer cancel()

	assert.Equal(t, 2, <-ch)
}

func TestSlowSubscriberSeesNewestValue(t *testing.T) {
	b := NewBroadcaster[string]()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish("a")
	b.Publish("b")
	b.Publish("c")

	assert.Equal(t, "c", <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %q", v)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
}

func TestCloseClosesAll(t *testing.T) {
	b := NewBroadcaster[int]()
	ch1, _ := b.Subscribe()
	ch2, _ := b.Subscribe()

	b.Close()
	b.Publish(5)

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)

	ch3, cancel := b.Subscribe()
	defer cancel()
	_, ok3 := <-ch3
	assert.False(t, ok3)
}

func TestConcurrentPublish(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, cancel := b.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(n)
		}(i)
	}
	wg.Wait()

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, latest, <-ch)
}
