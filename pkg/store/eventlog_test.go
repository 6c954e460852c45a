package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
)

func logBackends(t *testing.T) map[string]EventLog {
	t.Helper()
	return map[string]EventLog{
		"memory": NewMemoryEventLog(),
		"file":   NewFileEventLog(t.TempDir()),
	}
}

func TestEventLogAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	for name, log := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			chat := domain.NewID()
			for i := 0; i < 3; i++ {
				ev := domain.NewMessageEvent(chat, domain.MessageEvent{Role: domain.RoleUser, Content: "hi"})
				require.NoError(t, log.Append(ctx, ev))
				assert.Equal(t, int64(i+1), ev.Seq)
			}

			events, err := log.Events(ctx, chat)
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, ev := range events {
				assert.Equal(t, int64(i+1), ev.Seq, "events returned in append order")
			}
		})
	}
}

func TestEventLogIsolatesChats(t *testing.T) {
	ctx := context.Background()
	for name, log := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			a, b := domain.NewID(), domain.NewID()
			require.NoError(t, log.Append(ctx, domain.NewMessageEvent(a, domain.MessageEvent{Role: domain.RoleUser, Content: "a"})))
			require.NoError(t, log.Append(ctx, domain.NewMessageEvent(b, domain.MessageEvent{Role: domain.RoleUser, Content: "b"})))

			evB, err := log.Events(ctx, b)
			require.NoError(t, err)
			require.Len(t, evB, 1)
			assert.Equal(t, int64(1), evB[0].Seq, "sequences are per chat")
		})
	}
}

func TestEventLogFindByRequestID(t *testing.T) {
	ctx := context.Background()
	for name, log := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			chat := domain.NewID()
			ev := domain.NewMessageEvent(chat, domain.MessageEvent{Role: domain.RoleUser, Content: "hi"})
			ev.ClientRequestID = "req-1"
			require.NoError(t, log.Append(ctx, ev))

			found, ok, err := log.FindByRequestID(ctx, chat, "req-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ev.ID, found.ID)

			_, ok, err = log.FindByRequestID(ctx, chat, "req-2")
			require.NoError(t, err)
			assert.False(t, ok)

			// Empty request ids never match each other.
			_, ok, err = log.FindByRequestID(ctx, chat, "")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileEventLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	chat := domain.NewID()

	first := NewFileEventLog(root)
	require.NoError(t, first.Append(ctx, domain.NewMessageEvent(chat, domain.MessageEvent{Role: domain.RoleUser, Content: "one"})))
	require.NoError(t, first.Append(ctx, domain.NewMessageEvent(chat, domain.MessageEvent{Role: domain.RoleAssistant, Content: "two"})))

	second := NewFileEventLog(root)
	ev := domain.NewMessageEvent(chat, domain.MessageEvent{Role: domain.RoleUser, Content: "three"})
	require.NoError(t, second.Append(ctx, ev))
	assert.Equal(t, int64(3), ev.Seq, "sequence continues after reopen")

	events, err := second.Events(ctx, chat)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].Message.Content)
}

func TestEventLogDrop(t *testing.T) {
	ctx := context.Background()
	for name, log := range logBackends(t) {
		t.Run(name, func(t *testing.T) {
			chat := domain.NewID()
			require.NoError(t, log.Append(ctx, domain.NewMessageEvent(chat, domain.MessageEvent{Role: domain.RoleUser, Content: "hi"})))
			require.NoError(t, log.Drop(ctx, chat))

			events, err := log.Events(ctx, chat)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}
