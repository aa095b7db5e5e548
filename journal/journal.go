// Package journal persists broker lifecycle events to SQLite so operators
// can see which channels came and went and why frames were rejected.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/logger"
)

//go:embed schema.sql
var schema string

const queueSize = 1024

// Entry is one recorded broker event.
type Entry struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	Channel   string    `json:"channel,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal writes entries on a background goroutine so the broker's event
// loop never waits on disk.
type Journal struct {
	db      *sql.DB
	queue   chan request
	dropped atomic.Uint64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	logger *logger.Logger
}

// request is either an entry to insert or a flush marker.
type request struct {
	entry   Entry
	flushed chan struct{}
}

// Open opens (or creates) the journal database at path.
func Open(path string, log *logger.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{
		db:     db,
		queue:  make(chan request, queueSize),
		logger: log.WithComponent("journal"),
	}
	j.wg.Add(1)
	go j.writeLoop()

	j.logger.Info("journal opened", zap.String("path", path))
	return j, nil
}

// Record queues an event. When the queue is full the entry is dropped and
// counted rather than blocking the caller.
func (j *Journal) Record(event, channel, clientID, detail string) {
	e := Entry{
		Event:     event,
		Channel:   channel,
		ClientID:  clientID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- request{entry: e}:
	default:
		j.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for req := range j.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		e := req.entry
		_, err := j.db.Exec(`
			INSERT INTO broker_events (event, channel, client_id, detail, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.Event, e.Channel, e.ClientID, e.Detail, e.CreatedAt)
		if err != nil {
			j.logger.Error("journal insert failed", zap.String("event", e.Event), zap.Error(err))
		}
	}
}

// Flush blocks until every entry queued before the call has been written.
func (j *Journal) Flush(ctx context.Context) error {
	done := make(chan struct{})

	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil
	}
	select {
	case j.queue <- request{flushed: done}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, event, channel, client_id, detail, created_at
		FROM broker_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Event, &e.Channel, &e.ClientID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entries = append(entries, e)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, rows.Err()
}

// CountByEvent returns how many entries of each event type exist for channel.
// An empty channel counts across all channels.
func (j *Journal) CountByEvent(ctx context.Context, channel string) (map[string]int, error) {
	query := `SELECT event, COUNT(*) FROM broker_events`
	var args []any
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` GROUP BY event`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count journal events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var event string
		var n int
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		counts[event] = n
	}
	return counts, rows.Err()
}

// Close stops the writer after draining queued entries and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	j.wg.Wait()
	return j.db.Close()
}
