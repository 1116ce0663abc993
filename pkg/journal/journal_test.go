package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrack/metalagent/pkg/command"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestAppendAndReadBack(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 27, 10, 30, 0, 0, time.UTC)
	require.NoError(t, j.Append(ctx, command.Event{
		CommandID: "cmd-1",
		Name:      "erase_devices_metadata",
		Status:    command.StatusRunning,
		Time:      started,
	}))
	require.NoError(t, j.Append(ctx, command.Event{
		CommandID: "cmd-1",
		Name:      "erase_devices_metadata",
		Status:    command.StatusFailed,
		ErrorCode: "PROVIDER_FAILED",
		Detail:    "wipefs exited 1",
		Time:      started.Add(30 * time.Second),
	}))

	events, err := j.Events(ctx, "cmd-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, command.StatusRunning, events[0].Status)
	assert.Equal(t, started, events[0].Time)
	assert.Equal(t, command.StatusFailed, events[1].Status)
	assert.Equal(t, "PROVIDER_FAILED", events[1].ErrorCode)
	assert.Equal(t, "wipefs exited 1", events[1].Detail)
}

func TestEventsScopedToCommand(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, command.Event{
		CommandID: "cmd-a", Name: "ping", Status: command.StatusSucceeded, Time: time.Now(),
	}))
	require.NoError(t, j.Append(ctx, command.Event{
		CommandID: "cmd-b", Name: "ping", Status: command.StatusSucceeded, Time: time.Now(),
	}))

	events, err := j.Events(ctx, "cmd-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "cmd-a", events[0].CommandID)

	events, err = j.Events(ctx, "cmd-missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecentNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i, name := range []string{"first", "second", "third"} {
		require.NoError(t, j.Append(ctx, command.Event{
			CommandID: "cmd",
			Name:      name,
			Status:    command.StatusSucceeded,
			Time:      time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "third", events[0].Name)
	assert.Equal(t, "second", events[1].Name)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, command.Event{
		CommandID: "cmd-1", Name: "ping", Status: command.StatusSucceeded, Time: time.Now(),
	}))
	require.NoError(t, j.Close())

	j, err = Open(ctx, path)
	require.NoError(t, err)
	defer j.Close()

	events, err := j.Events(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
