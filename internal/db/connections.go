package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectionKind distinguishes browser-extension sockets from automation clients.
type ConnectionKind string

const (
	KindExtension  ConnectionKind = "extension"
	KindAutomation ConnectionKind = "automation"
)

// Connection is one audit record of a websocket session.
type Connection struct {
	ID             string
	Address        string
	Kind           ConnectionKind
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

func connectionFromRow(r Row) Connection {
	c := Connection{
		ID:          r.String("id"),
		Address:     r.String("address"),
		Kind:        ConnectionKind(r.String("kind")),
		ConnectedAt: r.Millis("connected_at"),
	}
	if !r.Null("disconnected_at") {
		t := r.Millis("disconnected_at")
		c.DisconnectedAt = &t
	}
	return c
}

// RecordConnection stores a new connection. It is a no-op once shutdown has begun.
func (s *Store) RecordConnection(ctx context.Context, id, address string, kind ConnectionKind, at time.Time) error {
	if s.ShuttingDown() {
		return nil
	}
	_, err := s.Exec(ctx,
		`INSERT OR REPLACE INTO connections (id, address, kind, connected_at, disconnected_at)
		 VALUES (?, ?, ?, ?, NULL)`,
		id, address, string(kind), NowMillis(at))
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("record connection: %w", err)
	}
	return nil
}

// MarkDisconnected stamps the disconnect time. It is a no-op once shutdown has begun.
func (s *Store) MarkDisconnected(ctx context.Context, id string, at time.Time) error {
	if s.ShuttingDown() {
		return nil
	}
	_, err := s.Exec(ctx,
		`UPDATE connections SET disconnected_at = ? WHERE id = ? AND disconnected_at IS NULL`,
		NowMillis(at), id)
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	return nil
}

// GetConnection returns the record for id, or ErrNotFound.
func (s *Store) GetConnection(ctx context.Context, id string) (Connection, error) {
	row, err := s.Get(ctx, `SELECT * FROM connections WHERE id = ?`, id)
	if err != nil {
		return Connection{}, err
	}
	return connectionFromRow(row), nil
}

// ActiveConnections lists sessions without a disconnect time, oldest first.
func (s *Store) ActiveConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.All(ctx,
		`SELECT * FROM connections WHERE disconnected_at IS NULL ORDER BY connected_at`)
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(rows))
	for _, r := range rows {
		out = append(out, connectionFromRow(r))
	}
	return out, nil
}

// CloseDanglingConnections marks every open record disconnected. Used at startup to
// settle sessions left open by an unclean exit.
func (s *Store) CloseDanglingConnections(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.Exec(ctx,
		`UPDATE connections SET disconnected_at = ? WHERE disconnected_at IS NULL`, NowMillis(at))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
