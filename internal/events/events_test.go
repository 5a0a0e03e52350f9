package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []Event
}

func (f *flakySink) Name() string { return "flaky" }

func (f *flakySink) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("indisponible")
	}
	f.got = append(f.got, e)
	return nil
}

func TestBusRetriesUntilDelivered(t *testing.T) {
	t.Parallel()

	flaky := &flakySink{failures: 2}
	rec := &Recorder{}
	bus := NewBus(8, 3, time.Millisecond, flaky, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Run(ctx)
		close(done)
	}()

	bus.Publish(context.Background(), New(OrderCreated, "o1", time.Now(), nil))

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	assert.Equal(t, 3, flaky.calls)
	require.Len(t, flaky.got, 1)
	assert.Equal(t, "o1", flaky.got[0].OrderID)
}

func TestBusDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	bus := NewBus(8, 1, 0, rec)
	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), New(OrderStatusChanged, "o1", time.Now(), nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bus.Run(ctx))
	assert.Len(t, rec.OfType(OrderStatusChanged), 3)
}

func TestCustomerNotification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		event  Event
		want   bool
		inBody string
	}{
		{
			name:   "cancelled_with_reason",
			event:  New(OrderStatusChanged, "o1", time.Now(), map[string]interface{}{"to": "CANCELLED", "reason": "paiement refusé"}),
			want:   true,
			inBody: "paiement refusé",
		},
		{
			name:   "completed",
			event:  New(OrderStatusChanged, "o2", time.Now(), map[string]interface{}{"to": "COMPLETED"}),
			want:   true,
			inBody: "o2",
		},
		{
			name:  "intermediate_status_is_silent",
			event: New(OrderStatusChanged, "o3", time.Now(), map[string]interface{}{"to": "DISPATCHING"}),
		},
		{
			name:   "refund",
			event:  New(PaymentRefunded, "o4", time.Now(), map[string]interface{}{"amount": "3.00"}),
			want:   true,
			inBody: "3.00",
		},
		{
			name:  "driver_events_are_silent",
			event: New(DriverSuggested, "o5", time.Now(), nil),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, body, ok := customerNotification(tt.event)
			if ok != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, ok)
			}
			if tt.inBody != "" && !strings.Contains(body, tt.inBody) {
				t.Fatalf("expected body to contain %q", tt.inBody)
			}
		})
	}
}

func TestParseBrokers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func runBus(t *testing.T, bus *Bus) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func pendingCount(t *testing.T, o Outbox) int {
	t.Helper()
	records, err := o.FetchPending(context.Background(), 0)
	require.NoError(t, err)
	return len(records)
}

func TestBusRedeliversToFailedSink(t *testing.T) {
	t.Parallel()

	flaky := &flakySink{failures: 1}
	rec := &Recorder{}
	outbox := NewMemoryOutbox()
	bus := NewBus(8, 1, 0, flaky, rec).WithOutbox(outbox, 10*time.Millisecond)
	runBus(t, bus)

	bus.Publish(context.Background(), New(PaymentRefunded, "o1", time.Now(), nil))

	require.Eventually(t, func() bool {
		flaky.mu.Lock()
		defer flaky.mu.Unlock()
		return len(flaky.got) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return pendingCount(t, outbox) == 0 }, time.Second, 5*time.Millisecond)

	assert.NotEmpty(t, rec.Events())
}

func TestBusDeliversAfterRestart(t *testing.T) {
	t.Parallel()

	outbox := NewMemoryOutbox()
	first := NewBus(8, 1, 0, &Recorder{}).WithOutbox(outbox, time.Hour)
	e := New(OrderCreated, "o1", time.Now(), nil)
	first.Publish(context.Background(), e)
	require.Equal(t, 1, pendingCount(t, outbox))

	rec := &Recorder{}
	second := NewBus(8, 1, 0, rec).WithOutbox(outbox, time.Hour)
	runBus(t, second)

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, e.ID, rec.Events()[0].ID)
	assert.Equal(t, 0, pendingCount(t, outbox))
}

func TestBusPublishDoesNotBlock(t *testing.T) {
	t.Parallel()

	t.Run("file pleine", func(t *testing.T) {
		t.Parallel()

		outbox := NewMemoryOutbox()
		bus := NewBus(1, 1, 0, &Recorder{}).WithOutbox(outbox, time.Hour)

		start := time.Now()
		for i := 0; i < 3; i++ {
			bus.Publish(context.Background(), New(OrderStatusChanged, "o1", time.Now(), nil))
		}
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 3, pendingCount(t, outbox))
	})

	t.Run("bus arrêté", func(t *testing.T) {
		t.Parallel()

		outbox := NewMemoryOutbox()
		bus := NewBus(1, 1, 0, &Recorder{}).WithOutbox(outbox, time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, bus.Run(ctx))

		start := time.Now()
		for i := 0; i < 3; i++ {
			bus.Publish(context.Background(), New(OrderStatusChanged, "o1", time.Now(), nil))
		}
		assert.Less(t, time.Since(start), 50*time.Millisecond)
		assert.Equal(t, 3, pendingCount(t, outbox))
	})
}

func TestMemoryOutboxKeepsUntilEverySinkAcks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	outbox := NewMemoryOutbox()
	e := New(DriverAccepted, "o1", time.Now(), nil)
	require.NoError(t, outbox.Insert(ctx, e, []string{"kafka", "redis"}))

	require.NoError(t, outbox.MarkSent(ctx, e.ID, "kafka"))
	records, err := outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"redis"}, records[0].Pending)

	require.NoError(t, outbox.MarkSent(ctx, e.ID, "redis"))
	assert.Equal(t, 0, pendingCount(t, outbox))
}
