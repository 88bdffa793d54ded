package orchestrator

import (
	"regexp"
	"strings"
)

var thinkingTagPattern = regexp.MustCompile(`(?is)<think(?:ing)?>[\s\S]*?</think(?:ing)?>`)
var thinkingInnerPattern = regexp.MustCompile(`(?is)</?think(?:ing)?>`)

// ExtractThinking separates inline <think>...</think> (or <thinking>) spans
// from the final aggregated content. Reasoning models that inline their
// trace this way get it persisted as a proper reasoning field instead of
// leaking tags into the message body. Extraction happens once on the final
// text; streaming chunks pass through untouched.
func ExtractThinking(content string) (cleaned string, thinking string) {
	if strings.TrimSpace(content) == "" {
		return content, ""
	}

	matches := thinkingTagPattern.FindAllStringIndex(content, -1)
	if len(matches) == 0 {
		return content, ""
	}

	var cleanedBuilder, thinkingBuilder strings.Builder
	lastEnd := 0
	for _, match := range matches {
		cleanedBuilder.WriteString(content[lastEnd:match[0]])
		inner := strings.TrimSpace(thinkingInnerPattern.ReplaceAllString(content[match[0]:match[1]], ""))
		if inner != "" {
			if thinkingBuilder.Len() > 0 {
				thinkingBuilder.WriteString("\n\n")
			}
			thinkingBuilder.WriteString(inner)
		}
		lastEnd = match[1]
	}
	cleanedBuilder.WriteString(content[lastEnd:])

	return strings.TrimSpace(cleanedBuilder.String()), thinkingBuilder.String()
}
