package events

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "actions.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)

	require.NoError(t, j.Write(JournalEntry{Event: "action_started", Tenant: "acme", Resource: "svc", Action: "apply", JobID: "job-1"}))
	require.NoError(t, j.Write(JournalEntry{Event: "action_finished", Tenant: "acme", Resource: "svc", Details: map[string]any{"exit_code": 0}}))
	require.NoError(t, j.Close())

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "action_started", entries[0].Event)
	assert.Equal(t, "job-1", entries[0].JobID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.EqualValues(t, 0, entries[1].Details["exit_code"])
}

func TestJournal_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.jsonl")
	j, err := OpenJournal(path, 200)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Write(JournalEntry{Event: "action_started", Tenant: "acme", Resource: "svc"}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, journalArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Size(), int64(200))
}

func TestJournal_WriteAfterClose(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "a.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Error(t, j.Write(JournalEntry{Event: "x"}))
	assert.NoError(t, j.Close())
}
