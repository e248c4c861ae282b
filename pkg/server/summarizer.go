package server

import (
	"context"
	"time"

	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/provider"
)

// summaryCharThreshold is the running tool-output character total above
// which older outputs get condensed before a provider call.
const summaryCharThreshold = 48_000

// providerSummarizer condenses long tool outputs through a cheap model,
// implementing logstore.Summarizer.
type providerSummarizer struct {
	prov provider.Provider
}

func (ps providerSummarizer) Summarize(ctx context.Context, content string) (string, error) {
	prompt := []message.Message{
		message.New(message.RoleSystem,
			"Condense the following tool output, keeping file names, error messages, and final results. Reply with the condensed text only.",
			time.Now),
		message.New(message.RoleUser, content, time.Now),
	}
	text, _, err := ps.prov.Chat(ctx, prompt, nil)
	if err != nil {
		return "", err
	}
	return text, nil
}
