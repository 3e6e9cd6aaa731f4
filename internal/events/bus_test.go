package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByChannel(t *testing.T) {
	bus := NewBus()
	dispatchCh := bus.Subscribe(ChannelDispatchLifecycle)
	allCh := bus.Subscribe()
	defer bus.Unsubscribe(dispatchCh)
	defer bus.Unsubscribe(allCh)

	bus.Emit(ChannelDispatchLifecycle, map[string]interface{}{"task_id": "T1"})
	bus.Emit(ChannelWorkerStatus, map[string]interface{}{"worker_id": "w1"})

	select {
	case e := <-dispatchCh:
		assert.Equal(t, ChannelDispatchLifecycle, e.Channel)
		assert.Equal(t, "T1", e.Data["task_id"])
	case <-time.After(time.Second):
		t.Fatal("dispatch subscriber got nothing")
	}
	select {
	case e := <-dispatchCh:
		t.Fatalf("dispatch subscriber got unexpected %s", e.Channel)
	default:
	}

	assert.Len(t, drain(allCh), 2)
}

func TestSeqMonotone(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for i := 0; i < 5; i++ {
		bus.Emit(ChannelBreakerState, nil)
	}
	events := drain(ch)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Seq+1, events[i].Seq)
	}
}

func TestListenersRunInOrderAndSurvivePanic(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Listen(ChannelLimitsDenial, func(e *Event) { order = append(order, "first") })
	bus.Listen(ChannelLimitsDenial, func(e *Event) { panic("boom") })
	bus.Listen(ChannelLimitsDenial, func(e *Event) { order = append(order, "third") })
	bus.Listen("", func(e *Event) { order = append(order, "wildcard") })

	bus.Emit(ChannelLimitsDenial, map[string]interface{}{"code": "RATE_LIMIT_EXCEEDED"})

	assert.Equal(t, []string{"first", "third", "wildcard"}, order)
}

func TestReplayRing(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 10; i++ {
		bus.Emit(ChannelDispatchLifecycle, map[string]interface{}{"n": i})
	}
	replayed := bus.Replay(7)
	require.Len(t, replayed, 3)
	assert.Equal(t, int64(8), replayed[0].Seq)
	assert.Equal(t, int64(10), replayed[2].Seq)

	assert.Empty(t, bus.Replay(10))
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(ChannelWorkerStatus)
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Emit(ChannelWorkerStatus, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}
