package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/agentz/agentz/internal/logging"
	"go.uber.org/zap"
)

// Log is a single append-only NDJSON file with a monotonic offset
// counter. One Log backs the registry stream; one backs each per-session
// stream. Writers serialize through an internal append queue (a mutex is
// enough here since every publish already blocks until durable).
type Log struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	offset uint64
	subs   []chan Record
	subsMu sync.Mutex
	logger *logging.Logger
}

// OpenLog opens (creating if necessary) the NDJSON file at path and
// replays it to establish the current offset counter.
func OpenLog(path string, logger *logging.Logger) (*Log, error) {
	if logger == nil {
		logger = logging.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("stream: open %s: %w", path, err)
	}

	l := &Log{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		logger: logger.WithFields(zap.String("component", "stream-log"), zap.String("path", path)),
	}

	if err := l.recoverOffset(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) recoverOffset() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var last uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A partial/corrupt trailing line is tolerated here; callers
			// that need strict corruption detection use Replay, which
			// surfaces the error per-record.
			continue
		}
		if rec.Offset > last {
			last = rec.Offset
		}
	}
	l.offset = last
	_, err := l.file.Seek(0, 2)
	return err
}

// Append writes a new record with kind/payload, blocking until it is
// durable (fsync'd), then fans it out to live subscribers. Fire-and-
// forget from the caller's perspective in the sense that there is no
// further action required, but the call itself is synchronous.
func (l *Log) Append(ctx context.Context, kind string, payload any) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.offset++
	rec := Record{
		Offset:  l.offset,
		Kind:    kind,
		Payload: EncodePayload(payload),
	}
	rec.Timestamp = nowOrCtxDeadline(ctx)

	line, err := json.Marshal(rec)
	if err != nil {
		l.offset--
		return Record{}, fmt.Errorf("stream: marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.writer.Write(line); err != nil {
		l.offset--
		return Record{}, fmt.Errorf("stream: write record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		l.offset--
		return Record{}, fmt.Errorf("stream: flush record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("fsync failed", zap.Error(err))
	}

	l.publish(rec)
	return rec, nil
}

func (l *Log) publish(rec Record) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			l.logger.Warn("subscriber channel full, dropping live record (catch-up via Replay remains available)",
				zap.Uint64("offset", rec.Offset))
		}
	}
}

// Subscribe returns a channel that receives every record appended after
// this call. Historical catch-up is handled separately by Replay, which a
// caller that also needs earlier records runs itself. A record is dropped
// for a subscriber whose 256-record buffer is full.
func (l *Log) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 256)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()

	unsubscribe := func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		for i, c := range l.subs {
			if c == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// Replay reads every record with Offset >= fromOffset and invokes fn for
// each, in order. Used both for live-subscriber catch-up and for full
// crash recovery (fromOffset=0).
func (l *Log) Replay(fromOffset uint64, fn func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("stream: corrupt record in %s: %w", l.path, err)
		}
		if rec.Offset < fromOffset {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Offset returns the last-assigned offset (0 if the stream is empty).
func (l *Log) Offset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
