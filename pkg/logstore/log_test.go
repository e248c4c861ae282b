package logstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/message"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestLogAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.Append(message.New(message.RoleSystem, "you are helpful", fixedNow)))
	require.NoError(t, l.Append(message.New(message.RoleUser, "hello", fixedNow)))

	reloaded, err := Open(dir)
	require.NoError(t, err)
	msgs := reloaded.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleSystem, msgs[0].Role)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestLogTruncate(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, l.Append(message.New(message.RoleUser, c, fixedNow)))
	}
	require.NoError(t, l.Truncate(1))
	assert.Len(t, l.Messages(), 1)
}

func TestLogReplaceAt(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.Append(message.New(message.RoleSystem, "old prompt", fixedNow)))
	require.NoError(t, l.Append(message.New(message.RoleUser, "hi", fixedNow)))

	require.NoError(t, l.ReplaceAt(0, message.New(message.RoleSystem, "new prompt", fixedNow)))
	msgs := l.Messages()
	assert.Equal(t, "new prompt", msgs[0].Content)
	assert.Equal(t, "hi", msgs[1].Content)

	reloaded, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "new prompt", reloaded.Messages()[0].Content)
}

func TestLogReplaceAtOutOfRange(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	assert.Error(t, l.ReplaceAt(0, message.New(message.RoleSystem, "x", fixedNow)))
}

func TestLogLockExclusive(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, l.Lock())
	defer l.Unlock()

	other, err := Open(dir)
	require.NoError(t, err)
	assert.ErrorIs(t, other.Lock(), ErrLogLocked)
}

func TestLogForkCopiesPrefix(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(message.New(message.RoleUser, "shared", fixedNow)))

	forkDir := filepath.Join(t.TempDir(), "fork")
	fork, err := l.Fork(forkDir)
	require.NoError(t, err)
	assert.Equal(t, l.Messages(), fork.Messages())

	require.NoError(t, l.Append(message.New(message.RoleUser, "only in parent", fixedNow)))
	assert.Len(t, fork.Messages(), 1)
}

func TestReadJSONLToleratesTrailingGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, mainLogFile)
	content := `{"role":"user","content":"hi","timestamp":"2026-01-01T00:00:00Z"}` + "\n" + `{"role":"user","content":"broken`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	msgs, err := readJSONL(path)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}
