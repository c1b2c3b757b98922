package classify

import (
	"fmt"
	"strings"

	"github.com/kalambet/hindsight/internal/engine"
)

const defaultPrompt = `Analyze this screenshot and classify the user's activity.`

const promptInstructions = `You can:
- Use existing labels if they fit
- Create new labels if needed
- Assign MULTIPLE labels (activities can overlap, e.g., "meeting" + "reading_documentation")

Provide:
1. Labels for this activity (multiple allowed)
2. Detailed description of what the user is doing (2-3 sentences)`

// BuildPrompt constructs the chat message for classifying one screenshot.
// customPrompt replaces the default opening instruction when non-empty; the
// label vocabulary and last-summary context are always appended so label
// reuse keeps working under a custom prompt.
func BuildPrompt(image []byte, existingLabels []string, lastSummary, customPrompt string) []engine.Message {
	opening := defaultPrompt
	if customPrompt != "" {
		opening = strings.TrimSpace(customPrompt)
	}

	vocab := "None yet - create new ones"
	if len(existingLabels) > 0 {
		vocab = strings.Join(existingLabels, ", ")
	}

	var sb strings.Builder
	sb.WriteString(opening)
	fmt.Fprintf(&sb, "\n\nEXISTING LABELS: %s", vocab)
	sb.WriteString("\n\n")
	sb.WriteString(promptInstructions)

	if lastSummary != "" {
		fmt.Fprintf(&sb, "\n\nLAST 5-MIN SUMMARY (for context):\n%s", lastSummary)
	}

	return []engine.Message{{
		Role:    "user",
		Content: sb.String(),
		Images:  [][]byte{image},
	}}
}
