package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

// EventLog is the append-only per-chat history. Append assigns the next
// sequence number; entries are never rewritten in place.
type EventLog interface {
	Append(ctx context.Context, ev *domain.ChatEvent) error
	Events(ctx context.Context, chatID string) ([]*domain.ChatEvent, error)
	FindByRequestID(ctx context.Context, chatID, clientRequestID string) (*domain.ChatEvent, bool, error)
	Drop(ctx context.Context, chatID string) error
}

func prepareEvent(ev *domain.ChatEvent, lastSeq int64) error {
	if ev.ChatID == "" {
		return errs.Validation("event needs a chat id", "chatId")
	}
	if ev.Kind == "" {
		return errs.Validation("event needs a kind", "kind")
	}
	if ev.ID == "" {
		ev.ID = domain.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = domain.Now()
	}
	ev.Seq = lastSeq + 1
	return nil
}

func findByRequestID(events []*domain.ChatEvent, clientRequestID string) (*domain.ChatEvent, bool) {
	if clientRequestID == "" {
		return nil, false
	}
	for _, ev := range events {
		if ev.ClientRequestID == clientRequestID {
			return ev, true
		}
	}
	return nil, false
}

// MemoryEventLog keeps logs in process. Test backend.
type MemoryEventLog struct {
	mu   sync.RWMutex
	logs map[string][]*domain.ChatEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{logs: make(map[string][]*domain.ChatEvent)}
}

func (l *MemoryEventLog) Append(ctx context.Context, ev *domain.ChatEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logs[ev.ChatID]
	var last int64
	if n := len(log); n > 0 {
		last = log[n-1].Seq
	}
	if err := prepareEvent(ev, last); err != nil {
		return err
	}
	l.logs[ev.ChatID] = append(log, ev)
	return nil
}

func (l *MemoryEventLog) Events(ctx context.Context, chatID string) ([]*domain.ChatEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	log := l.logs[chatID]
	out := make([]*domain.ChatEvent, len(log))
	copy(out, log)
	return out, nil
}

func (l *MemoryEventLog) FindByRequestID(ctx context.Context, chatID, clientRequestID string) (*domain.ChatEvent, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := findByRequestID(l.logs[chatID], clientRequestID)
	return ev, ok, nil
}

func (l *MemoryEventLog) Drop(ctx context.Context, chatID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, chatID)
	return nil
}

// FileEventLog writes one JSONL file per chat under
// <root>/chats/<chatId>/events.jsonl. Appends are flushed with fsync before
// returning so an acknowledged event survives a crash.
type FileEventLog struct {
	root string

	mu   sync.Mutex
	seqs map[string]int64
}

func NewFileEventLog(root string) *FileEventLog {
	return &FileEventLog{root: root, seqs: make(map[string]int64)}
}

func (l *FileEventLog) path(chatID string) string {
	return filepath.Join(l.root, "chats", chatID, "events.jsonl")
}

func (l *FileEventLog) readAll(chatID string) ([]*domain.ChatEvent, error) {
	f, err := os.Open(l.path(chatID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Storage("event log", err)
	}
	defer f.Close()

	var events []*domain.ChatEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := &domain.ChatEvent{}
		if err := json.Unmarshal(line, ev); err != nil {
			return nil, errs.Storage("event log", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Storage("event log", err)
	}
	return events, nil
}

func (l *FileEventLog) lastSeq(chatID string) (int64, error) {
	if seq, ok := l.seqs[chatID]; ok {
		return seq, nil
	}
	events, err := l.readAll(chatID)
	if err != nil {
		return 0, err
	}
	var seq int64
	if n := len(events); n > 0 {
		seq = events[n-1].Seq
	}
	l.seqs[chatID] = seq
	return seq, nil
}

func (l *FileEventLog) Append(ctx context.Context, ev *domain.ChatEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := l.lastSeq(ev.ChatID)
	if err != nil {
		return err
	}
	if err := prepareEvent(ev, last); err != nil {
		return err
	}

	path := l.path(ev.ChatID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Storage("event log", err)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return errs.Storage("event log", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Storage("event log", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return errs.Storage("event log", err)
	}
	if err := f.Sync(); err != nil {
		return errs.Storage("event log", err)
	}

	l.seqs[ev.ChatID] = ev.Seq
	return nil
}

func (l *FileEventLog) Events(ctx context.Context, chatID string) ([]*domain.ChatEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAll(chatID)
}

func (l *FileEventLog) FindByRequestID(ctx context.Context, chatID, clientRequestID string) (*domain.ChatEvent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events, err := l.readAll(chatID)
	if err != nil {
		return nil, false, err
	}
	ev, ok := findByRequestID(events, clientRequestID)
	return ev, ok, nil
}

func (l *FileEventLog) Drop(ctx context.Context, chatID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seqs, chatID)
	if err := os.RemoveAll(filepath.Join(l.root, "chats", chatID)); err != nil {
		return errs.Storage("event log", err)
	}
	return nil
}
