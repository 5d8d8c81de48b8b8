package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// writeQueueSize bounds the async write buffer. Writers never block: when the
// buffer is full the record is dropped and counted, keeping agent execution
// paths free of log backpressure.
const writeQueueSize = 1024

const activitySchema = `
CREATE TABLE IF NOT EXISTS activity_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    stage_id TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity_events(agent_id, id);
CREATE INDEX IF NOT EXISTS idx_activity_run ON activity_events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_events(created_at);
`

// ActivityLog is the durable append-only activity store plus the in-process
// hub feeding live subscribers. Records flow through a buffered queue to a
// single writer goroutine; subscribers receive each record after it is
// persisted (so its ID is assigned).
type ActivityLog struct {
	db     *sql.DB
	hub    *Hub
	logger *slog.Logger
	mask   func(string) string

	queue   chan ActivityRecord
	pending atomic.Int64
	dropped atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// OpenActivityLog opens (creating if needed) the activity log database at
// path and starts the writer.
func OpenActivityLog(path string) (*ActivityLog, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(activitySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize activity log schema: %w", err)
	}

	l := &ActivityLog{
		db:     db,
		hub:    NewHub(),
		logger: slog.With("component", "activity"),
		queue:  make(chan ActivityRecord, writeQueueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// Hub returns the live subscription hub.
func (l *ActivityLog) Hub() *Hub { return l.hub }

// SetMasker installs a redaction function applied to the summary and payload
// of every record before it is persisted or fanned out. Must be called before
// the first Record.
func (l *ActivityLog) SetMasker(mask func(string) string) { l.mask = mask }

// Record appends an activity record asynchronously. Never blocks; if the
// write queue is full the record is dropped and counted.
func (l *ActivityLog) Record(rec ActivityRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	l.pending.Add(1)
	select {
	case l.queue <- rec:
	default:
		l.pending.Add(-1)
		l.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded due to a full queue.
func (l *ActivityLog) Dropped() int64 { return l.dropped.Load() }

// Close stops the writer after draining queued records and closes the
// database.
func (l *ActivityLog) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
	l.hub.Close()
	return l.db.Close()
}

func (l *ActivityLog) writeLoop() {
	defer close(l.done)
	for {
		select {
		case rec := <-l.queue:
			l.persist(rec)
			l.pending.Add(-1)
		case <-l.stopCh:
			// Drain what is already queued, then stop.
			for {
				select {
				case rec := <-l.queue:
					l.persist(rec)
					l.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

func (l *ActivityLog) persist(rec ActivityRecord) {
	payload := "{}"
	if rec.Payload != nil {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			l.logger.Warn("Failed to marshal activity payload", "type", rec.Type, "error", err)
		} else {
			payload = string(data)
		}
	}
	if l.mask != nil {
		rec.Summary = l.mask(rec.Summary)
		if masked := l.mask(payload); masked != payload {
			payload = masked
			// Re-decode so live subscribers see the same redacted payload as
			// later readers of the persisted row.
			rec.Payload = nil
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				rec.Payload = map[string]any{"masked": true}
			}
		}
	}

	res, err := l.db.Exec(`
		INSERT INTO activity_events (type, agent_id, run_id, stage_id, summary, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Type, rec.AgentID, rec.RunID, rec.StageID, rec.Summary, payload, rec.CreatedAt)
	if err != nil {
		l.logger.Error("Failed to persist activity record", "type", rec.Type, "error", err)
		return
	}
	rec.ID, _ = res.LastInsertId()
	l.hub.Publish(rec)
}

// Flush blocks until every record queued before the call is persisted,
// including the one the writer is committing. Test helper; production
// writers never wait.
func (l *ActivityLog) Flush(ctx context.Context) error {
	for {
		if l.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ActivityQuery filters activity listings.
type ActivityQuery struct {
	AgentID string
	RunID   string
	Type    ActivityType
	SinceID int64
	Limit   int
}

// List returns matching records in ascending ID order.
func (l *ActivityLog) List(ctx context.Context, q ActivityQuery) ([]ActivityRecord, error) {
	query := `SELECT id, type, agent_id, run_id, stage_id, summary, payload, created_at
		FROM activity_events WHERE id > ?`
	args := []any{q.SinceID}
	if q.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, q.AgentID)
	}
	if q.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, q.RunID)
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActivityRecord
	for rows.Next() {
		var rec ActivityRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.AgentID, &rec.RunID, &rec.StageID, &rec.Summary, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				l.logger.Warn("Corrupt activity payload", "id", rec.ID, "error", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountForAgent returns how many records an agent has produced.
func (l *ActivityLog) CountForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_events WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count agent activity: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes records created before the cutoff, enforcing the
// retention window.
func (l *ActivityLog) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM activity_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge activity log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
