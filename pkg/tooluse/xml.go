package tooluse

import (
	"regexp"
	"strings"
)

// The XML wire syntax is a single element shape:
//
//	<tool name="shell">
//	  <param name="timeout">30</param>
//	  <content>ls -la</content>
//	</tool>
//
// The tool name rides on the outer element's name attribute, arguments are
// <param> children, and the body is the <content> child.
var (
	xmlToolOpen = regexp.MustCompile(`<tool\s+name="([\w.\-]+)"\s*>`)
	xmlParam    = regexp.MustCompile(`(?s)<param\s+name="([\w.\-]+)"\s*>(.*?)</param>`)
	xmlContent  = regexp.MustCompile(`(?s)<content\s*>(.*?)</content>`)
)

const xmlToolClose = "</tool>"

// parseXML scans content for <tool name="..."> elements naming a
// registered tool and returns the closed ones. Like parseMarkdown, it is
// restartable: an element without its </tool> close tag yet is simply not
// returned, and the streaming flag additionally requires trailing content
// after the close so an element the model may still be amending isn't
// acted on.
func parseXML(content string, streaming bool, reg *Registry) []ToolUse {
	var uses []ToolUse
	pos := 0

	for pos < len(content) {
		loc := xmlToolOpen.FindStringSubmatchIndex(content[pos:])
		if loc == nil {
			break
		}
		openEnd := pos + loc[1]
		name := content[pos+loc[2] : pos+loc[3]]

		closeIdx := strings.Index(content[openEnd:], xmlToolClose)
		if closeIdx == -1 {
			// Element still open; the model hasn't finished emitting it.
			break
		}
		closeStart := openEnd + closeIdx
		closeEnd := closeStart + len(xmlToolClose)

		if streaming && closeEnd >= len(content) {
			break
		}

		spec, ok := resolveXMLTool(name, reg)
		if !ok {
			pos = closeEnd
			continue
		}

		inner := content[openEnd:closeStart]
		use := ToolUse{
			ToolName:  spec.Name,
			NamedArgs: parseXMLParams(inner),
			Content:   parseXMLContent(inner),
		}
		uses = append(uses, use)

		pos = closeEnd
	}

	return uses
}

// resolveXMLTool accepts either a tool's canonical name or one of its
// block-tag aliases in the name attribute, honoring availability.
func resolveXMLTool(name string, reg *Registry) (*Spec, bool) {
	spec, ok := reg.Get(name)
	if !ok {
		spec, ok = reg.ByBlockTag(name)
	}
	if !ok {
		return nil, false
	}
	if spec.Available != nil && !spec.Available() {
		return nil, false
	}
	return spec, true
}

func parseXMLParams(inner string) map[string]string {
	matches := xmlParam.FindAllStringSubmatch(inner, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		out[m[1]] = strings.TrimSpace(m[2])
	}
	return out
}

// parseXMLContent returns the <content> child's body. An element without
// one falls back to the inner text minus any <param> children, so a model
// that inlines a short body still works.
func parseXMLContent(inner string) string {
	if m := xmlContent.FindStringSubmatch(inner); m != nil {
		return strings.Trim(m[1], "\n")
	}
	stripped := xmlParam.ReplaceAllString(inner, "")
	return strings.TrimSpace(stripped)
}
