package chat

import (
	"context"
	"sync"
)

// chatLocks serializes turns per chat. Acquisition blocks until the holder
// releases or the caller's context is cancelled; different chats never
// contend.
type chatLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newChatLocks() *chatLocks {
	return &chatLocks{slots: make(map[string]chan struct{})}
}

func (l *chatLocks) slot(chatID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[chatID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[chatID] = s
	}
	return s
}

// acquire takes the chat's slot. The returned release must be called exactly
// once.
func (l *chatLocks) acquire(ctx context.Context, chatID string) (func(), error) {
	s := l.slot(chatID)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
