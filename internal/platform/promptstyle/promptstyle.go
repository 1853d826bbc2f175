package promptstyle

import "strings"

const marker = "BOOKGEN_PROMPT_STYLE_V1"

// ApplySystem prepends the shared writing guidance block to a system prompt. Applying it twice is a
// no-op.
func ApplySystem(system string, mode string) string {
	base := strings.TrimSpace(system)
	if base == "" {
		return base
	}
	if strings.Contains(base, marker) {
		return base
	}
	mode = strings.ToLower(strings.TrimSpace(mode))

	taskSummary := ""
	for _, line := range strings.Split(base, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			taskSummary = trimmed
			break
		}
	}

	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\nYou are a careful author writing one part of a longer book.")
	if taskSummary != "" {
		b.WriteString("\nTask summary: " + taskSummary)
	}
	b.WriteString("\nFollow the system and user instructions precisely.")
	b.WriteString("\nKeep terminology and narrative consistent with the context you are given.")
	b.WriteString("\nDo not invent facts or citations.")
	switch mode {
	case "markdown":
		b.WriteString("\nReturn only the Markdown body, without a preamble or closing remarks.")
	case "list":
		b.WriteString("\nReturn only the requested list in Markdown, one entry per line.")
	default:
		b.WriteString("\nBe concise and structured when helpful.")
	}
	b.WriteString("\n---\n")
	b.WriteString(base)
	return strings.TrimSpace(b.String())
}
