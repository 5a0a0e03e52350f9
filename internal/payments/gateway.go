package payments

import (
	"context"
	"fmt"
	"sync"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"
)

// Request : un appel au prestataire. Le même IdempotencyKey ne produit qu'un effet.
type Request struct {
	OrderID        string
	Amount         models.Money
	Currency       string
	IdempotencyKey string
	ExternalRef    string // empreinte créée à l'autorisation
	ReleaseHold    bool   // annule l'empreinte au lieu de rembourser
	PaymentMethod  string
}

type Result struct {
	ExternalRef  string
	ClientSecret string
}

// Gateway : les erreurs enveloppent ErrPaymentDeclined (définitif) ou
// ErrPaymentUnavailable (à retenter).
type Gateway interface {
	Authorize(ctx context.Context, req Request) (Result, error)
	Capture(ctx context.Context, req Request) (Result, error)
	Refund(ctx context.Context, req Request) (Result, error)
}

// MockGateway simule le prestataire : idempotent par clé, pannes programmables.
type MockGateway struct {
	mu       sync.Mutex
	results  map[string]Result
	effects  map[string]int
	failures map[string][]error
	seq      int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		results:  make(map[string]Result),
		effects:  make(map[string]int),
		failures: make(map[string][]error),
	}
}

// FailNext fait échouer les prochains appels de l'opération ("authorize",
// "capture", "refund") avec les erreurs données, dans l'ordre.
func (g *MockGateway) FailNext(op string, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = append(g.failures[op], errs...)
}

// Effects compte les effets réels d'une opération (clés distinctes traitées).
func (g *MockGateway) Effects(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effects[op]
}

func (g *MockGateway) Authorize(_ context.Context, req Request) (Result, error) {
	return g.do("authorize", req)
}

func (g *MockGateway) Capture(_ context.Context, req Request) (Result, error) {
	return g.do("capture", req)
}

func (g *MockGateway) Refund(_ context.Context, req Request) (Result, error) {
	return g.do("refund", req)
}

func (g *MockGateway) do(op string, req Request) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.IdempotencyKey == "" {
		return Result{}, fmt.Errorf("%w: clé d'idempotence manquante", apperr.ErrValidation)
	}
	if pending := g.failures[op]; len(pending) > 0 {
		g.failures[op] = pending[1:]
		return Result{}, pending[0]
	}
	if res, ok := g.results[req.IdempotencyKey]; ok {
		return res, nil
	}

	g.seq++
	res := Result{ExternalRef: req.ExternalRef}
	if op == "authorize" {
		res.ExternalRef = fmt.Sprintf("pi_mock_%d", g.seq)
		res.ClientSecret = res.ExternalRef + "_secret"
	}
	g.results[req.IdempotencyKey] = res
	g.effects[op]++
	return res, nil
}
