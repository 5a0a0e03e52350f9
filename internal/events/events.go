package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	OrderCreated       Type = "OrderCreated"
	OrderStatusChanged Type = "OrderStatusChanged"
	DriverSuggested    Type = "DriverSuggested"
	DriverAccepted     Type = "DriverAccepted"
	PaymentCaptured    Type = "PaymentCaptured"
	PaymentRefunded    Type = "PaymentRefunded"
	DispatchExhausted  Type = "DispatchExhausted"
)

// Event est livré au moins une fois : les consommateurs dédupliquent sur ID.
type Event struct {
	ID         string                 `json:"event_id"`
	Type       Type                   `json:"type"`
	OrderID    string                 `json:"order_id"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

func New(t Type, orderID string, at time.Time, payload map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OrderID:    orderID,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

// Publisher est ce que le cœur métier connaît.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink est une destination (Kafka, Redis, Elastic, mail, websocket...).
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Bus distribue les événements aux sinks depuis une file, avec des
// tentatives bornées par sink. Avec une Outbox, chaque événement est écrit
// avant d'être mis en file et relu tant qu'un sink ne l'a pas reçu.
type Bus struct {
	sinks    []Sink
	queue    chan Event
	attempts int
	backoff  time.Duration

	outbox       Outbox
	redeliver    time.Duration
	enqueueWait  time.Duration
	done         chan struct{}
	shutdownOnce sync.Once
}

func NewBus(buffer, attempts int, backoff time.Duration, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Bus{
		sinks:       sinks,
		queue:       make(chan Event, buffer),
		attempts:    attempts,
		backoff:     backoff,
		enqueueWait: 100 * time.Millisecond,
		done:        make(chan struct{}),
	}
}

// WithOutbox active la persistance des événements et leur relecture toutes
// les every (30s par défaut).
func (b *Bus) WithOutbox(o Outbox, every time.Duration) *Bus {
	if every <= 0 {
		every = 30 * time.Second
	}
	b.outbox = o
	b.redeliver = every
	return b
}

func (b *Bus) sinkNames() []string {
	names := make([]string, 0, len(b.sinks))
	for _, s := range b.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish enregistre l'événement dans l'outbox puis le met en file. Ne bloque
// jamais plus de enqueueWait : un événement qui ne rentre pas dans la file
// reste dans l'outbox et part à la prochaine relecture.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b.outbox != nil {
		if err := b.outbox.Insert(ctx, e, b.sinkNames()); err != nil {
			log.Printf("❌ Outbox: événement %s (%s) non enregistré: %v", e.Type, e.OrderID, err)
		}
	}

	select {
	case b.queue <- e:
		return
	default:
	}

	timer := time.NewTimer(b.enqueueWait)
	defer timer.Stop()
	select {
	case b.queue <- e:
	case <-b.done:
		log.Printf("⚠️ Bus arrêté, événement %s (%s) laissé à l'outbox", e.Type, e.OrderID)
	case <-timer.C:
		log.Printf("⚠️ File d'événements pleine, %s (%s) laissé à l'outbox", e.Type, e.OrderID)
	case <-ctx.Done():
		log.Printf("⚠️ Événement %s (%s) non mis en file: %v", e.Type, e.OrderID, ctx.Err())
	}
}

// Run consomme la file jusqu'à l'annulation de ctx, puis vide ce qui reste.
// Avec une outbox, relit d'abord ce qu'un arrêt précédent a laissé.
func (b *Bus) Run(ctx context.Context) error {
	defer b.shutdownOnce.Do(func() { close(b.done) })

	var tick <-chan time.Time
	if b.outbox != nil {
		b.redeliverPending(ctx, 0)
		ticker := time.NewTicker(b.redeliver)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case e := <-b.queue:
			b.deliver(ctx, e, nil)
		case <-tick:
			// une entrée plus jeune qu'un intervalle est sans doute encore en file
			b.redeliverPending(ctx, b.redeliver)
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for {
				select {
				case e := <-b.queue:
					b.deliver(drain, e, nil)
				default:
					cancel()
					return nil
				}
			}
		}
	}
}

// redeliverPending renvoie les entrées de l'outbox plus vieilles que minAge,
// aux seuls sinks qui ne les ont pas encore reçues.
func (b *Bus) redeliverPending(ctx context.Context, minAge time.Duration) {
	records, err := b.outbox.FetchPending(ctx, outboxBatch)
	if err != nil {
		log.Printf("⚠️ Outbox: lecture impossible: %v", err)
		return
	}
	now := time.Now()
	for _, r := range records {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(r.CreatedAt) < minAge {
			continue
		}
		pending := make(map[string]bool, len(r.Pending))
		for _, name := range r.Pending {
			pending[name] = true
		}
		b.deliver(ctx, r.Event, pending)
		b.forgetUnknown(ctx, r)
	}
}

// forgetUnknown acquitte les sinks qui ne sont plus configurés.
func (b *Bus) forgetUnknown(ctx context.Context, r Record) {
	known := make(map[string]bool, len(b.sinks))
	for _, s := range b.sinks {
		known[s.Name()] = true
	}
	for _, name := range r.Pending {
		if known[name] {
			continue
		}
		if err := b.outbox.MarkSent(ctx, r.Event.ID, name); err != nil {
			log.Printf("⚠️ Outbox: acquittement %s/%s: %v", r.Event.ID, name, err)
		}
	}
}

// deliver envoie e aux sinks (tous si only est nil) et acquitte chaque succès.
func (b *Bus) deliver(ctx context.Context, e Event, only map[string]bool) {
	var wg sync.WaitGroup
	for _, s := range b.sinks {
		if only != nil && !only[s.Name()] {
			continue
		}
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if !b.sendWithRetry(ctx, s, e) || b.outbox == nil {
				return
			}
			if err := b.outbox.MarkSent(ctx, e.ID, s.Name()); err != nil {
				log.Printf("⚠️ Outbox: acquittement %s/%s: %v", e.ID, s.Name(), err)
			}
		}(s)
	}
	wg.Wait()
}

func (b *Bus) sendWithRetry(ctx context.Context, s Sink, e Event) bool {
	wait := b.backoff
	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if err = s.Send(ctx, e); err == nil {
			return true
		}
		if attempt == b.attempts {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			log.Printf("❌ %s: événement %s reporté (%v)", s.Name(), e.ID, ctx.Err())
			return false
		}
		wait *= 2
	}
	log.Printf("❌ %s: échec livraison %s %s après %d tentatives: %v", s.Name(), e.Type, e.ID, b.attempts, err)
	return false
}

// Recorder garde les événements en mémoire. Sert de Publisher synchrone dans les tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Publish(ctx context.Context, e Event) {
	_ = r.Send(ctx, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
