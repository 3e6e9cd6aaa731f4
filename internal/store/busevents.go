package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BusEvent is the journaled form of an event-bus emission. The (source,
// event_id) uniqueness makes re-publication after a crash a no-op.
type BusEvent struct {
	Seq       int64           `json:"seq"`
	Channel   string          `json:"channel"`
	EventID   string          `json:"event_id"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendBusEvent journals one event and returns its sequence number.
// A duplicate (source, event_id) returns (0, false, nil).
func (s *Store) AppendBusEvent(ctx context.Context, channel, eventID, source string, payload json.RawMessage) (int64, bool, error) {
	if source == "" {
		source = "cp"
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var seq int64
	err := s.queryRow(ctx, `INSERT INTO bus_events (channel, event_id, source, payload, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING seq`,
		channel, eventID, source, string(payload), now()).Scan(&seq)
	if err != nil {
		if IsUniqueViolation(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("append bus event: %w", err)
	}
	return seq, true, nil
}

// BusEventsSince replays journaled events with seq greater than the cursor.
func (s *Store) BusEventsSince(ctx context.Context, seq int64, limit int) ([]*BusEvent, error) {
	q := `SELECT seq, channel, event_id, source, payload, created_at
		FROM bus_events WHERE seq > ? ORDER BY seq ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.query(ctx, q, seq)
	if err != nil {
		return nil, fmt.Errorf("replay bus events: %w", err)
	}
	defer rows.Close()
	var out []*BusEvent
	for rows.Next() {
		e := &BusEvent{}
		var payload string
		if err := rows.Scan(&e.Seq, &e.Channel, &e.EventID, &e.Source, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastBusSeq returns the highest journaled sequence, 0 when empty.
func (s *Store) LastBusSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.queryRow(ctx, `SELECT MAX(seq) FROM bus_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last bus seq: %w", err)
	}
	return seq.Int64, nil
}
