package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"

	"github.com/gocql/gocql"
)

// Scylla persiste dans le keyspace orders (voir scripts/scylladb_init.cql).
// La commande vit en colonnes statiques de sa partition, l'historique en lignes
// de la même partition : statut et historique partent dans un seul batch LWT.
type Scylla struct {
	session *gocql.Session
}

const activeBucket = "active"

func NewScylla(session *gocql.Session) *Scylla {
	return &Scylla{session: session}
}

func (s *Scylla) query(ctx context.Context, stmt string, args ...interface{}) *gocql.Query {
	return s.session.Query(stmt, args...).WithContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// =============================================
// COMMANDES + HISTORIQUE
// =============================================

func (s *Scylla) CreateOrder(ctx context.Context, o *models.Order, entry models.OrderStatusHistory) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encodage commande: %w", err)
	}

	applied, err := s.query(ctx, `INSERT INTO orders (order_id, history_id, customer_id, status, version, driver_id, doc,
		created_at, updated_at, from_status, to_status, event, actor_id, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		o.ID, gocql.TimeUUID(), o.CustomerID, string(o.Status), o.Version, o.DriverID, string(doc),
		o.CreatedAt, o.UpdatedAt, string(entry.From), string(entry.To), entry.Event, entry.ActorID, entry.Reason, entry.CreatedAt,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("insertion commande %s: %w", o.ID, err)
	}
	if !applied {
		return fmt.Errorf("%w: commande %s existe déjà", apperr.ErrConflict, o.ID)
	}
	return nil
}

func (s *Scylla) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var (
		status   string
		version  int64
		driverID *string
		doc      string
	)
	err := s.query(ctx, `SELECT status, version, driver_id, doc FROM orders WHERE order_id = ? LIMIT 1`, orderID).
		Scan(&status, &version, &driverID, &doc)
	if err != nil {
		return nil, notFound(err, "commande "+orderID)
	}

	var o models.Order
	if err := json.Unmarshal([]byte(doc), &o); err != nil {
		return nil, fmt.Errorf("décodage commande %s: %w", orderID, err)
	}
	// les colonnes font foi sur le document
	o.Status = models.OrderStatus(status)
	o.Version = version
	o.DriverID = driverID
	return &o, nil
}

func (s *Scylla) UpdateOrder(ctx context.Context, o *models.Order, expected int64, entry *models.OrderStatusHistory) error {
	next := *o
	next.Version = expected + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encodage commande: %w", err)
	}

	const update = `UPDATE orders SET status = ?, version = ?, driver_id = ?, doc = ?, updated_at = ?
		WHERE order_id = ? IF version = ?`
	args := []interface{}{string(o.Status), next.Version, o.DriverID, string(doc), o.UpdatedAt, o.ID, expected}

	var applied bool
	if entry == nil {
		applied, err = s.query(ctx, update, args...).MapScanCAS(map[string]interface{}{})
	} else {
		b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		b.Query(update, args...)
		b.Query(`INSERT INTO orders (order_id, history_id, from_status, to_status, event, actor_id, reason, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, gocql.TimeUUID(), string(entry.From), string(entry.To), entry.Event, entry.ActorID, entry.Reason, entry.CreatedAt)

		var iter *gocql.Iter
		applied, iter, err = s.session.MapExecuteBatchCAS(b, map[string]interface{}{})
		if iter != nil {
			iter.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("mise à jour commande %s: %w", o.ID, err)
	}
	if !applied {
		return fmt.Errorf("%w: commande %s modifiée entre-temps", apperr.ErrConflict, o.ID)
	}
	o.Version = next.Version
	return nil
}

func (s *Scylla) ListHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	iter := s.query(ctx, `SELECT history_id, from_status, to_status, event, actor_id, reason, recorded_at
		FROM orders WHERE order_id = ?`, orderID).Iter()

	var (
		out                            []models.OrderStatusHistory
		id                             gocql.UUID
		from, to, event, actor, reason string
		at                             time.Time
	)
	for iter.Scan(&id, &from, &to, &event, &actor, &reason, &at) {
		out = append(out, models.OrderStatusHistory{
			ID:        id.String(),
			OrderID:   orderID,
			From:      models.OrderStatus(from),
			To:        models.OrderStatus(to),
			Event:     event,
			ActorID:   actor,
			Reason:    reason,
			CreatedAt: at,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture historique %s: %w", orderID, err)
	}
	return out, nil
}

// =============================================
// SUGGESTIONS
// =============================================

const suggestionColumns = `suggestion_id, driver_id, rank, cycle, distance_km, score, status, created_at, expires_at, responded_at`

func (s *Scylla) CreateSuggestions(ctx context.Context, orderID string, list []models.OrderDriverSuggestion) error {
	if len(list) == 0 {
		return nil
	}
	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, sg := range list {
		b.Query(`INSERT INTO order_suggestions (order_id, `+suggestionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			orderID, sg.ID, sg.DriverID, sg.Rank, sg.Cycle, sg.DistanceKm, sg.Score, string(sg.Status),
			sg.CreatedAt, sg.ExpiresAt, sg.RespondedAt)
		b.Query(`INSERT INTO suggestions_by_id (suggestion_id, order_id) VALUES (?, ?)`, sg.ID, orderID)
	}
	if err := s.session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("insertion suggestions %s: %w", orderID, err)
	}
	return nil
}

func (s *Scylla) ListSuggestions(ctx context.Context, orderID string) ([]models.OrderDriverSuggestion, error) {
	iter := s.query(ctx, `SELECT `+suggestionColumns+` FROM order_suggestions WHERE order_id = ?`, orderID).Iter()

	var out []models.OrderDriverSuggestion
	for {
		sg := models.OrderDriverSuggestion{OrderID: orderID}
		var status string
		var id *string
		if !iter.Scan(&id, &sg.DriverID, &sg.Rank, &sg.Cycle, &sg.DistanceKm, &sg.Score, &status,
			&sg.CreatedAt, &sg.ExpiresAt, &sg.RespondedAt) {
			break
		}
		// partition créée par la colonne statique seule
		if id == nil {
			continue
		}
		sg.ID = *id
		sg.Status = models.SuggestionStatus(status)
		out = append(out, sg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture suggestions %s: %w", orderID, err)
	}
	return out, nil
}

func (s *Scylla) GetSuggestion(ctx context.Context, suggestionID string) (*models.OrderDriverSuggestion, error) {
	var orderID string
	if err := s.query(ctx, `SELECT order_id FROM suggestions_by_id WHERE suggestion_id = ?`, suggestionID).Scan(&orderID); err != nil {
		return nil, notFound(err, "suggestion "+suggestionID)
	}
	list, err := s.ListSuggestions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == suggestionID {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("suggestion %s: %w", suggestionID, apperr.ErrNotFound)
}

// AcceptSuggestion pose le jeton accepted_suggestion_id (colonne statique) par LWT,
// dans le même batch que les changements de statut des suggestions.
func (s *Scylla) AcceptSuggestion(ctx context.Context, orderID, suggestionID string, at time.Time) (*models.OrderDriverSuggestion, error) {
	list, err := s.ListSuggestions(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var target *models.OrderDriverSuggestion
	for i := range list {
		if list[i].Status == models.SuggestionAccepted {
			return nil, fmt.Errorf("%w: commande %s", apperr.ErrAlreadyAssigned, orderID)
		}
		if list[i].ID == suggestionID {
			target = &list[i]
		}
	}
	if target == nil {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, apperr.ErrNotFound)
	}
	if target.Status != models.SuggestionPending || !at.Before(target.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s (%s)", apperr.ErrSuggestionClosed, suggestionID, target.Status)
	}

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`UPDATE order_suggestions SET accepted_suggestion_id = ? WHERE order_id = ? IF accepted_suggestion_id = null`,
		suggestionID, orderID)
	b.Query(`UPDATE order_suggestions SET status = ?, responded_at = ? WHERE order_id = ? AND suggestion_id = ? IF status = ?`,
		string(models.SuggestionAccepted), at, orderID, suggestionID, string(models.SuggestionPending))
	for _, sg := range list {
		if sg.ID == suggestionID || sg.Status != models.SuggestionPending {
			continue
		}
		b.Query(`UPDATE order_suggestions SET status = ?, responded_at = ? WHERE order_id = ? AND suggestion_id = ?`,
			string(models.SuggestionExpired), at, orderID, sg.ID)
	}

	applied, iter, err := s.session.MapExecuteBatchCAS(b, map[string]interface{}{})
	if iter != nil {
		iter.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("acceptation suggestion %s: %w", suggestionID, err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: commande %s", apperr.ErrAlreadyAssigned, orderID)
	}

	target.Status = models.SuggestionAccepted
	target.RespondedAt = &at
	return target, nil
}

func (s *Scylla) RejectSuggestion(ctx context.Context, orderID, suggestionID string, at time.Time) (*models.OrderDriverSuggestion, error) {
	applied, err := s.query(ctx, `UPDATE order_suggestions SET status = ?, responded_at = ?
		WHERE order_id = ? AND suggestion_id = ? IF status = ?`,
		string(models.SuggestionRejected), at, orderID, suggestionID, string(models.SuggestionPending),
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("refus suggestion %s: %w", suggestionID, err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: %s", apperr.ErrSuggestionClosed, suggestionID)
	}
	return s.GetSuggestion(ctx, suggestionID)
}

func (s *Scylla) ExpireSuggestions(ctx context.Context, orderID string, before, at time.Time) ([]models.OrderDriverSuggestion, error) {
	list, err := s.ListSuggestions(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var expired []models.OrderDriverSuggestion
	for _, sg := range list {
		if sg.Status != models.SuggestionPending {
			continue
		}
		if !before.IsZero() && sg.ExpiresAt.After(before) {
			continue
		}
		// IF status = PENDING : rejouer le balayage ne touche rien de plus
		applied, err := s.query(ctx, `UPDATE order_suggestions SET status = ?, responded_at = ?
			WHERE order_id = ? AND suggestion_id = ? IF status = ?`,
			string(models.SuggestionExpired), at, orderID, sg.ID, string(models.SuggestionPending),
		).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return expired, fmt.Errorf("expiration suggestion %s: %w", sg.ID, err)
		}
		if applied {
			sg.Status = models.SuggestionExpired
			sg.RespondedAt = &at
			expired = append(expired, sg)
		}
	}
	return expired, nil
}

// =============================================
// DISPATCH
// =============================================

func (s *Scylla) GetDispatch(ctx context.Context, orderID string) (*models.DispatchState, error) {
	st := models.DispatchState{OrderID: orderID, Active: true}
	err := s.query(ctx, `SELECT cycle, next_retry_at, manual_queue, updated_at FROM active_dispatches
		WHERE bucket = ? AND order_id = ?`, activeBucket, orderID).
		Scan(&st.Cycle, &st.NextRetryAt, &st.ManualQueue, &st.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "dispatch "+orderID)
	}
	return &st, nil
}

func (s *Scylla) PutDispatch(ctx context.Context, st models.DispatchState) error {
	if !st.Active {
		if err := s.query(ctx, `DELETE FROM active_dispatches WHERE bucket = ? AND order_id = ?`,
			activeBucket, st.OrderID).Exec(); err != nil {
			return fmt.Errorf("suppression dispatch %s: %w", st.OrderID, err)
		}
		return nil
	}
	if err := s.query(ctx, `INSERT INTO active_dispatches (bucket, order_id, cycle, next_retry_at, manual_queue, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		activeBucket, st.OrderID, st.Cycle, st.NextRetryAt, st.ManualQueue, st.UpdatedAt).Exec(); err != nil {
		return fmt.Errorf("écriture dispatch %s: %w", st.OrderID, err)
	}
	return nil
}

func (s *Scylla) ListActiveDispatches(ctx context.Context) ([]models.DispatchState, error) {
	iter := s.query(ctx, `SELECT order_id, cycle, next_retry_at, manual_queue, updated_at FROM active_dispatches
		WHERE bucket = ?`, activeBucket).Iter()

	var out []models.DispatchState
	for {
		st := models.DispatchState{Active: true}
		if !iter.Scan(&st.OrderID, &st.Cycle, &st.NextRetryAt, &st.ManualQueue, &st.UpdatedAt) {
			break
		}
		out = append(out, st)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture dispatchs actifs: %w", err)
	}
	return out, nil
}

// =============================================
// AFFECTATION DES LIVREURS
// =============================================

func (s *Scylla) ClaimDriver(ctx context.Context, driverID, orderID string) error {
	existing := map[string]interface{}{}
	applied, err := s.query(ctx, `INSERT INTO driver_assignments (driver_id, order_id, assigned_at) VALUES (?, ?, ?) IF NOT EXISTS`,
		driverID, orderID, time.Now().UTC()).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("réservation livreur %s: %w", driverID, err)
	}
	if applied {
		return nil
	}
	if cur, _ := existing["order_id"].(string); cur == orderID {
		return nil
	}
	return fmt.Errorf("%w: %s", apperr.ErrDriverBusy, driverID)
}

func (s *Scylla) ReleaseDriver(ctx context.Context, driverID, orderID string) error {
	if _, err := s.query(ctx, `DELETE FROM driver_assignments WHERE driver_id = ? IF order_id = ?`,
		driverID, orderID).MapScanCAS(map[string]interface{}{}); err != nil {
		return fmt.Errorf("libération livreur %s: %w", driverID, err)
	}
	return nil
}

func (s *Scylla) DriverAssignment(ctx context.Context, driverID string) (string, error) {
	var orderID string
	err := s.query(ctx, `SELECT order_id FROM driver_assignments WHERE driver_id = ?`, driverID).Scan(&orderID)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lecture affectation %s: %w", driverID, err)
	}
	return orderID, nil
}

// =============================================
// TRANSACTIONS
// =============================================

const txColumns = `transaction_id, kind, amount, currency, external_ref, idempotency_key, status, releases_hold, reason, created_at, updated_at`

func (s *Scylla) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	applied, err := s.query(ctx, `INSERT INTO transactions_by_key (idempotency_key, order_id, transaction_id)
		VALUES (?, ?, ?) IF NOT EXISTS`, tx.IdempotencyKey, tx.OrderID, tx.ID).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("réservation clé %s: %w", tx.IdempotencyKey, err)
	}
	if !applied {
		return fmt.Errorf("%w: clé d'idempotence %s déjà utilisée", apperr.ErrConflict, tx.IdempotencyKey)
	}
	return s.writeTransaction(ctx, tx)
}

func (s *Scylla) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	return s.writeTransaction(ctx, tx)
}

func (s *Scylla) writeTransaction(ctx context.Context, tx *models.Transaction) error {
	err := s.query(ctx, `INSERT INTO transactions (order_id, `+txColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.OrderID, tx.ID, string(tx.Kind), int64(tx.Amount), tx.Currency, tx.ExternalRef, tx.IdempotencyKey,
		string(tx.Status), tx.ReleasesHold, tx.Reason, tx.CreatedAt, tx.UpdatedAt).Exec()
	if err != nil {
		return fmt.Errorf("écriture transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *Scylla) TransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	var orderID, txID string
	if err := s.query(ctx, `SELECT order_id, transaction_id FROM transactions_by_key WHERE idempotency_key = ?`, key).
		Scan(&orderID, &txID); err != nil {
		return nil, notFound(err, "transaction "+key)
	}
	iter := s.query(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = ? AND transaction_id = ?`, orderID, txID).Iter()
	txs, err := scanTransactions(iter, orderID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", key, apperr.ErrNotFound)
	}
	return &txs[0], nil
}

func (s *Scylla) ListTransactions(ctx context.Context, orderID string) ([]models.Transaction, error) {
	iter := s.query(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = ?`, orderID).Iter()
	return scanTransactions(iter, orderID)
}

func scanTransactions(iter *gocql.Iter, orderID string) ([]models.Transaction, error) {
	var out []models.Transaction
	for {
		tx := models.Transaction{OrderID: orderID}
		var kind, status string
		var amount int64
		if !iter.Scan(&tx.ID, &kind, &amount, &tx.Currency, &tx.ExternalRef, &tx.IdempotencyKey,
			&status, &tx.ReleasesHold, &tx.Reason, &tx.CreatedAt, &tx.UpdatedAt) {
			break
		}
		tx.Kind = models.TxKind(kind)
		tx.Status = models.TxStatus(status)
		tx.Amount = models.Money(amount)
		out = append(out, tx)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture transactions %s: %w", orderID, err)
	}
	return out, nil
}
