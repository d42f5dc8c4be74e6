package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Journal event types
const (
	EvtRunStart            = "run_start"
	EvtRunEnd              = "run_end"
	EvtInstructionApplied  = "instruction_applied"
	EvtInstructionCapped   = "instruction_capped"
	EvtInstructionRejected = "instruction_rejected"
	EvtFloorReset          = "floor_reset"
	EvtSubscriberLagged    = "subscriber_lagged"
	EvtConnOpen            = "conn_open"
	EvtConnClose           = "conn_close"
)

const (
	journalBuffer     = 1024
	journalBatchSize  = 50
	journalFlushEvery = 5 * time.Second
)

// JournalEvent is a single journal entry
type JournalEvent struct {
	Type      string
	RunID     string
	ConnID    string
	Data      any // encoded to JSON by the writer (optional)
	Timestamp time.Time
}

// Journal records run events with batched background writes. Track never
// blocks: the loop hooks call it from the simulation goroutine.
type Journal struct {
	db     *DB
	events chan JournalEvent
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.RWMutex
	counts map[string]uint64
}

// NewJournal creates and starts the journal writer. A nil db keeps live
// counters only.
func NewJournal(db *DB) *Journal {
	j := &Journal{
		db:     db,
		events: make(chan JournalEvent, journalBuffer),
		stop:   make(chan struct{}),
		counts: make(map[string]uint64),
	}
	j.wg.Add(1)
	go j.writer()
	return j
}

// Track enqueues an event for async persistence (non-blocking). data is
// encoded on the writer goroutine, so callers must not mutate it afterwards.
func (j *Journal) Track(evtType, runID, connID string, data any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.counts[evtType]++
	j.mu.Unlock()

	select {
	case j.events <- JournalEvent{
		Type:      evtType,
		RunID:     runID,
		ConnID:    connID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}:
	default:
		// Channel full: drop rather than stall the caller.
		if n := j.dropped.Add(1); n&(n-1) == 0 {
			log.Printf("[journal] buffer full, %d events dropped", n)
		}
	}
}

// Counts returns live per-type event counts since start.
func (j *Journal) Counts() map[string]uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make(map[string]uint64, len(j.counts))
	for k, v := range j.counts {
		out[k] = v
	}
	return out
}

// Dropped reports events lost to a full buffer.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Written reports events committed to the database.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Stop flushes pending events and shuts down the writer
func (j *Journal) Stop() {
	j.once.Do(func() { close(j.stop) })
	j.wg.Wait()
}

func (j *Journal) writer() {
	defer j.wg.Done()

	batch := make([]JournalEvent, 0, 64)
	ticker := time.NewTicker(journalFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case evt := <-j.events:
			batch = append(batch, evt)
			if len(batch) >= journalBatchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-j.stop:
			// Drain whatever is buffered. Late Track calls keep going to
			// the channel and are simply never written.
			for drained := false; !drained; {
				select {
				case evt := <-j.events:
					batch = append(batch, evt)
				default:
					drained = true
				}
			}
			if len(batch) > 0 {
				j.flush(batch)
			}
			return
		}
	}
}

func (j *Journal) flush(events []JournalEvent) {
	if j.db == nil || len(events) == 0 {
		return
	}
	tx, err := j.db.conn.Begin()
	if err != nil {
		log.Printf("[journal] begin tx error: %v", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO events (event_type, run_id, conn_id, data, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		log.Printf("[journal] prepare error: %v", err)
		return
	}
	defer stmt.Close()

	var n uint64
	for _, evt := range events {
		rid := sql.NullString{String: evt.RunID, Valid: evt.RunID != ""}
		cid := sql.NullString{String: evt.ConnID, Valid: evt.ConnID != ""}
		data := encodeEventData(evt)
		if _, err := stmt.Exec(evt.Type, rid, cid, data, evt.Timestamp); err != nil {
			log.Printf("[journal] insert error: %v", err)
			continue
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[journal] commit error: %v", err)
		return
	}
	j.written.Add(n)
}

// encodeEventData renders event metadata for the data column. Values that
// do not encode are stored as NULL.
func encodeEventData(evt JournalEvent) sql.NullString {
	if evt.Data == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(evt.Data)
	if err != nil {
		log.Printf("[journal] encode %s data: %v", evt.Type, err)
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
