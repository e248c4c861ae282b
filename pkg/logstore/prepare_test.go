package logstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/message"
)

func TestPrepareMaterializesTextFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0o644))

	m := message.New(message.RoleUser, "see attached", fixedNow)
	m.Files = []message.FileRef{message.ClassifyFileRef(path)}

	out, err := PrepareMessages(context.Background(), []message.Message{m}, PrepareOptions{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "remember the milk")
	assert.Empty(t, out[0].Files, "materialized text files should no longer ride as attachments")
}

func TestPrepareLeavesImagesAndURIsAsAttachments(t *testing.T) {
	m := message.New(message.RoleUser, "look", fixedNow)
	m.Files = []message.FileRef{
		message.ClassifyFileRef("https://example.com/page"),
		message.ClassifyFileRef("/tmp/screenshot.png"),
	}
	out, err := PrepareMessages(context.Background(), []message.Message{m}, PrepareOptions{})
	require.NoError(t, err)
	assert.Len(t, out[0].Files, 2)
	assert.Equal(t, "look", out[0].Content)
}

func TestPrepareDropsSupersededWarningsKeepsLatest(t *testing.T) {
	warn := func(content string) message.Message {
		m := message.New(message.RoleSystem, content, fixedNow)
		m.Hide = true
		return m
	}
	msgs := []message.Message{
		message.New(message.RoleSystem, "prompt", fixedNow),
		warn("<system_warning>Token usage: 100/1000; remaining 900</system_warning>"),
		message.New(message.RoleUser, "hi", fixedNow),
		warn("<system_warning>Token usage: 200/1000; remaining 800</system_warning>"),
	}

	out, err := PrepareMessages(context.Background(), msgs, PrepareOptions{})
	require.NoError(t, err)

	var warnings []string
	for _, m := range out {
		if strings.HasPrefix(m.Content, "<system_warning>") {
			warnings = append(warnings, m.Content)
		}
	}
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "200/1000")
}

func TestPrepareKeepsUnrecognizedHiddenMessages(t *testing.T) {
	hidden := message.New(message.RoleSystem, "context the model should still see", fixedNow)
	hidden.Hide = true
	out, err := PrepareMessages(context.Background(), []message.Message{hidden}, PrepareOptions{})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

type fixedSummarizer struct{ text string }

func (f fixedSummarizer) Summarize(ctx context.Context, content string) (string, error) {
	return f.text, nil
}

func TestPrepareSummarizesLongToolOutputsButNotPinned(t *testing.T) {
	long := strings.Repeat("x", 500)
	pinned := message.New(message.RoleTool, long, fixedNow)
	pinned.Pinned = true
	msgs := []message.Message{
		message.New(message.RoleTool, long, fixedNow),
		pinned,
	}

	out, err := PrepareMessages(context.Background(), msgs, PrepareOptions{
		SummaryThreshold: 600,
		Summarizer:       fixedSummarizer{text: "(condensed)"},
	})
	require.NoError(t, err)
	assert.Equal(t, "(condensed)", out[0].Content)
	assert.Equal(t, long, out[1].Content, "pinned messages must survive summarization untouched")
}
