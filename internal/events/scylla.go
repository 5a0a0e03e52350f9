package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

const outboxBucket = "pending"

// ScyllaOutbox persiste les événements dans event_outbox : un redémarrage
// reprend la livraison là où elle s'était arrêtée.
type ScyllaOutbox struct {
	session *gocql.Session
}

func NewScyllaOutbox(session *gocql.Session) *ScyllaOutbox {
	return &ScyllaOutbox{session: session}
}

func (s *ScyllaOutbox) Insert(ctx context.Context, e Event, sinks []string) error {
	if len(sinks) == 0 {
		return nil
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encodage événement %s: %w", e.ID, err)
	}
	if err := s.session.Query(`INSERT INTO event_outbox (bucket, event_id, doc, pending, created_at) VALUES (?, ?, ?, ?, ?)`,
		outboxBucket, e.ID, string(doc), sinks, time.Now().UTC()).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insertion outbox %s: %w", e.ID, err)
	}
	return nil
}

func (s *ScyllaOutbox) MarkSent(ctx context.Context, eventID, sink string) error {
	if err := s.session.Query(`UPDATE event_outbox SET pending = pending - ? WHERE bucket = ? AND event_id = ?`,
		[]string{sink}, outboxBucket, eventID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("acquittement %s/%s: %w", eventID, sink, err)
	}

	var pending []string
	err := s.session.Query(`SELECT pending FROM event_outbox WHERE bucket = ? AND event_id = ?`,
		outboxBucket, eventID).WithContext(ctx).Scan(&pending)
	if err == gocql.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lecture outbox %s: %w", eventID, err)
	}
	if len(pending) == 0 {
		return s.remove(ctx, eventID)
	}
	return nil
}

func (s *ScyllaOutbox) remove(ctx context.Context, eventID string) error {
	if err := s.session.Query(`DELETE FROM event_outbox WHERE bucket = ? AND event_id = ?`,
		outboxBucket, eventID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("suppression outbox %s: %w", eventID, err)
	}
	return nil
}

func (s *ScyllaOutbox) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	iter := s.session.Query(`SELECT event_id, doc, pending, created_at FROM event_outbox WHERE bucket = ? LIMIT ?`,
		outboxBucket, limit).WithContext(ctx).Iter()

	var (
		out     []Record
		eventID string
		doc     string
		pending []string
		created time.Time
	)
	for iter.Scan(&eventID, &doc, &pending, &created) {
		if len(pending) == 0 {
			if err := s.remove(ctx, eventID); err != nil {
				return nil, err
			}
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("décodage outbox %s: %w", eventID, err)
		}
		out = append(out, Record{Event: e, Pending: append([]string(nil), pending...), CreatedAt: created})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture outbox: %w", err)
	}
	return out, nil
}
