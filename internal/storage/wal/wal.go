package wal

// ============================================================================
// Screening Queue - Write-Ahead Log
// Responsibilities:
// 1. Append registry mutations to an append-only JSON-lines file
// 2. Replay events on top of a snapshot to rebuild the registry
// 3. Rotate the log after a snapshot, keeping events the snapshot lacks
// 4. Checksum every event so corruption is detected on replay
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/screening-queue/pkg/types"
)

// FileInterface is the subset of *os.File the WAL writes through.
// Tests substitute failing implementations.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is a Write-Ahead Log instance.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64 // last assigned sequence number
	syncOnAppend bool   // fsync after every flush
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	now           func() time.Time
}

// NewWAL opens or creates the log at path and continues numbering after
// its last intact event.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if last, err := GetLastEvent(path); err == nil {
		seq = last.Seq
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 64),
		bufferSize:    64,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
		now:           time.Now,
	}, nil
}

// Append adds an event carrying job's state. forceFlush writes it (and
// anything buffered) before returning.
func (w *WAL) Append(eventType EventType, job *types.Job, forceFlush bool) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("wal: marshal job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: w.now().UnixMilli(),
		Job:       payload,
	}
	event.Checksum = CalculateChecksum(eventType, event.Seq, payload)
	w.buffer = append(w.buffer, event)

	if forceFlush || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Record implements the registry journal: every mutation reaches the file
// before the registry applies it.
func (w *WAL) Record(op string, job *types.Job) error {
	return w.Append(EventType(strings.ToUpper(op)), job, true)
}

// Replay calls handler for every intact event in file order. A torn final
// line (crash mid-write) ends replay without error.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

// ReplayAfter replays only events newer than seq.
func (w *WAL) ReplayAfter(seq uint64, handler EventHandler) error {
	return w.Replay(func(e Event) error {
		if e.Seq <= seq {
			return nil
		}
		return handler(e)
	})
}

// EnsureSeq raises the sequence counter to at least seq, so events written
// after a rotation never reuse numbers covered by a snapshot.
func (w *WAL) EnsureSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < seq {
		w.seq = seq
	}
}

// Rotate moves the current log aside and starts a new one holding only the
// events after keepAfter. Numbering continues.
func (w *WAL) Rotate(keepAfter uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	var kept []Event
	if err := replayFile(w.path, func(e Event) error {
		if e.Seq > keepAfter {
			kept = append(kept, e)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + w.now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	for _, e := range kept {
		if err := w.encoder.Encode(e); err != nil {
			return err
		}
	}
	w.lastFlushTime = w.now()
	return w.file.Sync()
}

// Close flushes and closes the log. A closed WAL rejects further appends.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// LastSeq returns the last assigned sequence number.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// Internal helpers
// ============================================================================

// flushLocked writes buffered events; the caller holds w.mu.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.now()
	if w.syncOnAppend {
		return w.file.Sync()
	}
	return nil
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		torn := readErr == io.EOF // last line has no newline
		trimmed := bytes.TrimSpace(line)

		if len(trimmed) > 0 {
			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				if torn {
					return nil
				}
				return &CorruptionError{Offset: offset, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				if torn {
					return nil
				}
				return err
			}
			if err := handler(event); err != nil {
				return err
			}
		}

		offset += int64(len(line))
		if readErr != nil {
			return nil
		}
	}
}

// GetLastEvent returns the last intact event in the file at path.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of intact events in the file at path.
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}
