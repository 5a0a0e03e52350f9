package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"
)

// Memory : implémentation en mémoire, utilisée par les tests et en mode local.
type Memory struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	history     map[string][]models.OrderStatusHistory
	suggestions map[string][]*models.OrderDriverSuggestion
	suggestIdx  map[string]string
	dispatches  map[string]models.DispatchState
	drivers     map[string]string
	txs         map[string][]*models.Transaction
	txKeys      map[string]*models.Transaction
}

func NewMemory() *Memory {
	return &Memory{
		orders:      make(map[string]*models.Order),
		history:     make(map[string][]models.OrderStatusHistory),
		suggestions: make(map[string][]*models.OrderDriverSuggestion),
		suggestIdx:  make(map[string]string),
		dispatches:  make(map[string]models.DispatchState),
		drivers:     make(map[string]string),
		txs:         make(map[string][]*models.Transaction),
		txKeys:      make(map[string]*models.Transaction),
	}
}

// --- Commandes ---

func (m *Memory) CreateOrder(_ context.Context, o *models.Order, entry models.OrderStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("%w: commande %s existe déjà", apperr.ErrConflict, o.ID)
	}
	m.orders[o.ID] = o.Clone()
	m.history[o.ID] = append(m.history[o.ID], entry)
	return nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("commande %s: %w", orderID, apperr.ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *Memory) UpdateOrder(_ context.Context, o *models.Order, expected int64, entry *models.OrderStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return fmt.Errorf("commande %s: %w", o.ID, apperr.ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: commande %s version %d, attendue %d", apperr.ErrConflict, o.ID, cur.Version, expected)
	}

	o.Version = expected + 1
	m.orders[o.ID] = o.Clone()
	if entry != nil {
		m.history[o.ID] = append(m.history[o.ID], *entry)
	}
	return nil
}

func (m *Memory) ListHistory(_ context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), m.history[orderID]...), nil
}

// --- Suggestions ---

func (m *Memory) CreateSuggestions(_ context.Context, orderID string, list []models.OrderDriverSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range list {
		s := list[i]
		m.suggestions[orderID] = append(m.suggestions[orderID], &s)
		m.suggestIdx[s.ID] = orderID
	}
	return nil
}

func (m *Memory) ListSuggestions(_ context.Context, orderID string) ([]models.OrderDriverSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.OrderDriverSuggestion, 0, len(m.suggestions[orderID]))
	for _, s := range m.suggestions[orderID] {
		out = append(out, *s)
	}
	return out, nil
}

func (m *Memory) GetSuggestion(_ context.Context, suggestionID string) (*models.OrderDriverSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findSuggestion(m.suggestIdx[suggestionID], suggestionID)
	if s == nil {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, apperr.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) findSuggestion(orderID, suggestionID string) *models.OrderDriverSuggestion {
	for _, s := range m.suggestions[orderID] {
		if s.ID == suggestionID {
			return s
		}
	}
	return nil
}

func (m *Memory) AcceptSuggestion(_ context.Context, orderID, suggestionID string, at time.Time) (*models.OrderDriverSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.findSuggestion(orderID, suggestionID)
	if target == nil {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, apperr.ErrNotFound)
	}
	for _, s := range m.suggestions[orderID] {
		if s.Status == models.SuggestionAccepted {
			return nil, fmt.Errorf("%w: commande %s", apperr.ErrAlreadyAssigned, orderID)
		}
	}
	if target.Status != models.SuggestionPending || !at.Before(target.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s (%s)", apperr.ErrSuggestionClosed, suggestionID, target.Status)
	}

	for _, s := range m.suggestions[orderID] {
		switch {
		case s.ID == suggestionID:
			s.Status = models.SuggestionAccepted
		case s.Status == models.SuggestionPending:
			s.Status = models.SuggestionExpired
		default:
			continue
		}
		t := at
		s.RespondedAt = &t
	}
	cp := *target
	return &cp, nil
}

func (m *Memory) RejectSuggestion(_ context.Context, orderID, suggestionID string, at time.Time) (*models.OrderDriverSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.findSuggestion(orderID, suggestionID)
	if target == nil {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, apperr.ErrNotFound)
	}
	if target.Status != models.SuggestionPending {
		return nil, fmt.Errorf("%w: %s (%s)", apperr.ErrSuggestionClosed, suggestionID, target.Status)
	}
	target.Status = models.SuggestionRejected
	target.RespondedAt = &at
	cp := *target
	return &cp, nil
}

func (m *Memory) ExpireSuggestions(_ context.Context, orderID string, before, at time.Time) ([]models.OrderDriverSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []models.OrderDriverSuggestion
	for _, s := range m.suggestions[orderID] {
		if s.Status != models.SuggestionPending {
			continue
		}
		if !before.IsZero() && s.ExpiresAt.After(before) {
			continue
		}
		s.Status = models.SuggestionExpired
		t := at
		s.RespondedAt = &t
		expired = append(expired, *s)
	}
	return expired, nil
}

// --- Dispatch ---

func (m *Memory) GetDispatch(_ context.Context, orderID string) (*models.DispatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.dispatches[orderID]
	if !ok {
		return nil, fmt.Errorf("dispatch %s: %w", orderID, apperr.ErrNotFound)
	}
	return &st, nil
}

func (m *Memory) PutDispatch(_ context.Context, st models.DispatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !st.Active {
		delete(m.dispatches, st.OrderID)
		return nil
	}
	m.dispatches[st.OrderID] = st
	return nil
}

func (m *Memory) ListActiveDispatches(_ context.Context) ([]models.DispatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DispatchState, 0, len(m.dispatches))
	for _, st := range m.dispatches {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// --- Livreurs ---

func (m *Memory) ClaimDriver(_ context.Context, driverID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.drivers[driverID]; ok && cur != orderID {
		return fmt.Errorf("%w: %s porte déjà %s", apperr.ErrDriverBusy, driverID, cur)
	}
	m.drivers[driverID] = orderID
	return nil
}

func (m *Memory) ReleaseDriver(_ context.Context, driverID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drivers[driverID] == orderID {
		delete(m.drivers, driverID)
	}
	return nil
}

func (m *Memory) DriverAssignment(_ context.Context, driverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drivers[driverID], nil
}

// --- Transactions ---

func (m *Memory) InsertTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txKeys[tx.IdempotencyKey]; exists {
		return fmt.Errorf("%w: clé d'idempotence %s déjà utilisée", apperr.ErrConflict, tx.IdempotencyKey)
	}
	cp := *tx
	m.txs[tx.OrderID] = append(m.txs[tx.OrderID], &cp)
	m.txKeys[tx.IdempotencyKey] = &cp
	return nil
}

func (m *Memory) UpdateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txKeys[tx.IdempotencyKey]
	if !ok || cur.ID != tx.ID {
		return fmt.Errorf("transaction %s: %w", tx.ID, apperr.ErrNotFound)
	}
	*cur = *tx
	return nil
}

func (m *Memory) TransactionByKey(_ context.Context, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txKeys[key]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", key, apperr.ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) ListTransactions(_ context.Context, orderID string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Transaction, 0, len(m.txs[orderID]))
	for _, tx := range m.txs[orderID] {
		out = append(out, *tx)
	}
	return out, nil
}
