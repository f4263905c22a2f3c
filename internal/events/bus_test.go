package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/logging"
)

func TestBus_PublishInSubscriptionOrder(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.Subscribe(TopicTransactionCreated, func(e Event) { got = append(got, "a:"+e.Payload.(string)) })
	bus.Subscribe(TopicTransactionCreated, func(e Event) { got = append(got, "b:"+e.Payload.(string)) })
	bus.Subscribe(TopicRulesChanged, func(e Event) { got = append(got, "other") })

	bus.Publish(TopicTransactionCreated, "t1")

	assert.Equal(t, []string{"a:t1", "b:t1"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	unsubscribe := bus.Subscribe(TopicRatesUpdated, func(Event) { calls++ })

	bus.Publish(TopicRatesUpdated, nil)
	unsubscribe()
	unsubscribe()
	bus.Publish(TopicRatesUpdated, nil)

	assert.Equal(t, 1, calls)
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	logger := logging.NewMockLogger()
	bus := NewBus(logger)
	delivered := false

	bus.Subscribe(TopicMappingChanged, func(Event) { panic("boom") })
	bus.Subscribe(TopicMappingChanged, func(Event) { delivered = true })

	require.NotPanics(t, func() { bus.Publish(TopicMappingChanged, nil) })
	assert.True(t, delivered)
	assert.True(t, logger.HasEntry("ERROR", "event handler panicked"))
}

func TestBus_HandlerMaySubscribe(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TopicRulesChanged, func(Event) {
		bus.Subscribe(TopicRulesChanged, func(Event) {})
	})
	require.NotPanics(t, func() { bus.Publish(TopicRulesChanged, nil) })
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.Subscribe(TopicUnrecognizedQueued, func(Event) { calls++ })
	bus.Close()
	bus.Publish(TopicUnrecognizedQueued, nil)
	assert.Zero(t, calls)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(TopicTransactionCreated, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(TopicTransactionCreated, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(TopicTransactionCreated, 1)
	r.Publish(TopicUnrecognizedQueued, 2)

	assert.Equal(t, []Topic{TopicTransactionCreated, TopicUnrecognizedQueued}, r.Topics())
	assert.Equal(t, 2, r.Events()[1].Payload)
}
