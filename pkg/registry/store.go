// Package registry implements the unified persistent state store. All
// orchestrator state (pipeline runs, stage attempts, agents, approvals,
// associations, mail, event deliveries) lives in one relational database so
// a restart can rebuild the full picture from a single source of truth.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/squadron-hq/squadron/pkg/database"
)

// Store is the single writer for the registry database. Reads go straight to
// the pool; writes serialize through mu so SQLite's single-writer model and
// the crash-safety rule (registry write commits before the side effect) hold
// under concurrent lanes.
type Store struct {
	client *database.Client
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger

	now func() time.Time
}

// NewStore creates a Store on top of an open database client.
func NewStore(client *database.Client) *Store {
	return &Store{
		client: client,
		db:     client.DB(),
		logger: slog.With("component", "registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Client returns the underlying database client.
func (s *Store) Client() *database.Client { return s.client }

// rebind converts ? placeholders to the dialect's form. Queries are written
// with ? throughout; PostgreSQL needs $1..$N.
func (s *Store) rebind(query string) string {
	if s.client.Driver() != database.DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// marshalJSON encodes v for a JSON column, defaulting to the given empty
// literal on nil.
func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// isUniqueViolation detects unique-constraint failures across both dialects.
// SQLite reports "UNIQUE constraint failed", PostgreSQL SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
