package tooluse

import (
	"regexp"
	"strings"
)

var mdFenceOpen = regexp.MustCompile("^```([A-Za-z_][\\w.+-]*)?[ \\t]*(.*)$")

// parseMarkdown scans content for fenced code blocks whose tag matches a
// registered tool's block alias and returns the complete ones as ToolUse
// records. Plain code fences (tag absent, or not a registered alias) are
// left alone — they're just the model quoting code, not invoking a tool.
//
// A block only counts as complete once its closing ``` fence has been
// seen. When streaming is true we additionally require a trailing newline
// after the closing fence, since a model still typing may emit the fence
// and then keep going (e.g. to add a caption) before it's truly done.
func parseMarkdown(content string, streaming bool, reg *Registry) []ToolUse {
	var uses []ToolUse
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		m := mdFenceOpen.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		tag := m[1]
		if tag == "" || !reg.HasBlockTag(tag) {
			continue
		}
		firstLineArgs := strings.TrimSpace(m[2])

		closeIdx := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimRight(lines[j], " \t") == "```" {
				closeIdx = j
				break
			}
		}
		if closeIdx == -1 {
			// Unterminated fence: the model is still writing it.
			break
		}
		if streaming && closeIdx == len(lines)-1 {
			// No content after the closing fence yet; could still be
			// amended, so don't treat it as runnable.
			break
		}

		spec, _ := reg.ByBlockTag(tag)
		body := strings.Join(lines[i+1:closeIdx], "\n")

		use := ToolUse{
			ToolName: spec.Name,
			Content:  body,
		}
		if firstLineArgs != "" {
			use.Args = strings.Fields(firstLineArgs)
		}
		uses = append(uses, use)

		i = closeIdx
	}

	return uses
}
