package tooluse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// nativeMarker matches the synthetic "@toolname(call_id): " marker the
// provider streaming layer inserts in place of a native tool-call event, so
// the rest of the pipeline (detection, confirmation, logging) never has to
// special-case native tool calls versus markdown/xml ones.
var nativeMarker = regexp.MustCompile(`(?m)^@([\w.\-]+)\(([^)]*)\):[ \t]*`)

// Serialize renders a native tool call as the flat-text form nativeMarker
// parses back, so provider adapters can synthesize it into a token stream
// alongside ordinary text tokens.
func Serialize(toolName, callID string, args any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("tooluse: marshal native args: %w", err)
	}
	return fmt.Sprintf("@%s(%s): %s", toolName, callID, b), nil
}

// parseNative scans content for "@name(call_id): <json>" markers and
// returns a ToolUse per marker whose JSON argument blob parses cleanly. A
// marker whose args are still being streamed (invalid/incomplete JSON) is
// skipped rather than erroring, consistent with the restartable-parse
// contract the other two formats follow.
//
// Content carries the raw JSON blob so re-serializing a call back to a
// provider preserves the original value types; NamedArgs is a stringified
// convenience view for executors that only read flat arguments.
func parseNative(content string) []ToolUse {
	locs := nativeMarker.FindAllStringSubmatchIndex(content, -1)
	if locs == nil {
		return nil
	}

	var uses []ToolUse
	for i, loc := range locs {
		name := content[loc[2]:loc[3]]
		callID := content[loc[4]:loc[5]]
		argsStart := loc[1]
		argsEnd := len(content)
		if i+1 < len(locs) {
			argsEnd = locs[i+1][0]
		}
		raw := content[argsStart:argsEnd]

		var named map[string]string
		var asMap map[string]any
		if err := json.Unmarshal([]byte(raw), &asMap); err != nil {
			continue
		}
		named = make(map[string]string, len(asMap))
		for k, v := range asMap {
			named[k] = fmt.Sprint(v)
		}

		uses = append(uses, ToolUse{
			ToolName:  name,
			CallID:    callID,
			Content:   strings.TrimSpace(raw),
			NamedArgs: named,
		})
	}
	return uses
}
