package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"corebus/pkg/eventbus"
	"corebus/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is the created_at column format. RFC3339 with nanoseconds keeps
// lexical and chronological order aligned.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the writable event log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the event log at path with WAL journaling and a
// 5-second busy timeout, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes a single event.
func (s *Store) Append(ctx context.Context, ev protocol.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, kind, task_id, task_name, worker_id, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Kind, ev.TaskID, ev.TaskName, ev.WorkerID, string(ev.Data), at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Prune deletes events created before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

// Reader returns a query handle sharing this store's connection.
func (s *Store) Reader() *Reader {
	return &Reader{db: s.db, shared: true}
}

// RecorderID is the subscriber id the recorder registers on the bus.
const RecorderID = "corebus.eventlog"

// Record subscribes to every event kind on bus and appends each event until
// ctx ends. Write failures are passed to onError, if set, and do not stop
// recording.
func (s *Store) Record(ctx context.Context, bus *eventbus.Bus, onError func(error)) error {
	sub, err := bus.Subscribe(ctx, RecorderID, []string{protocol.EventAny})
	if err != nil {
		return fmt.Errorf("subscribe recorder: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			// Detached from ctx so shutdown does not lose the last write.
			if err := s.Append(context.WithoutCancel(ctx), ev); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
