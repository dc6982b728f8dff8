package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishFanOut(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("q-1", 4)
	defer m.Unsubscribe("q-1", ch)

	m.Publish("q-1", Event{QueryHandle: "q-1", Type: EventTaskStarted, TaskID: "retrieve-0"})

	select {
	case evt := <-ch:
		assert.Equal(t, EventTaskStarted, evt.Type)
		assert.Equal(t, uint64(1), evt.Seq)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(8)
	for i := 0; i < 3; i++ {
		m.Publish("q-1", Event{QueryHandle: "q-1", Type: EventTaskCompleted})
	}
	events := m.ReplaySince("q-1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)

	events = m.ReplaySince("q-1", 1)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestRingOverwrite(t *testing.T) {
	m := NewManager(2)
	for i := 0; i < 5; i++ {
		m.Publish("q-1", Event{QueryHandle: "q-1"})
	}
	events := m.ReplaySince("q-1", 0)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Seq)
	assert.Equal(t, uint64(5), events[1].Seq)
}

func TestPublishSafeUnderSubscriberChurn(t *testing.T) {
	m := NewManager(64)
	stop := make(chan struct{})

	var publishers sync.WaitGroup
	for p := 0; p < 4; p++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Publish("q-churn", Event{QueryHandle: "q-churn", Type: EventTaskStarted})
				}
			}
		}()
	}

	var churners sync.WaitGroup
	for c := 0; c < 4; c++ {
		churners.Add(1)
		go func() {
			defer churners.Done()
			for i := 0; i < 200; i++ {
				ch := m.Subscribe("q-churn", 8)
				for drained := false; !drained; {
					select {
					case <-ch:
					default:
						drained = true
					}
				}
				m.Unsubscribe("q-churn", ch)
			}
		}()
	}

	churners.Wait()
	close(stop)
	publishers.Wait()
}

func TestForgetClosesSubscribers(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("q-1", 1)
	m.Forget("q-1")
	_, open := <-ch
	assert.False(t, open)
	assert.Empty(t, m.ReplaySince("q-1", 0))
}

func TestRedisMirrorRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mirror := NewRedisMirror(client, time.Hour, zap.NewNop())

	ctx := context.Background()
	mirror.Publish(ctx, Event{QueryHandle: "q-1", Type: EventQueryStarted, Timestamp: time.Now().UTC()})
	mirror.Publish(ctx, Event{QueryHandle: "q-1", Type: EventQueryCompleted, Status: "complete", Timestamp: time.Now().UTC()})

	events, err := mirror.History(ctx, "q-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventQueryStarted, events[0].Type)
	assert.Equal(t, "complete", events[1].Status)
}
