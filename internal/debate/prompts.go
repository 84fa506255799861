package debate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quorumlabs/quorum/internal/model"
)

// SynthesisSentinel prefixes the hidden synthesis instruction saved to the
// master thread. Message listings filter on it (and on the hidden flag) so
// the instruction never appears in the visible transcript.
const SynthesisSentinel = "[quorum-synthesis] "

// errorAnswer labels a degraded model's contribution. Synthesis consumes it
// as plain text like any other answer.
func errorAnswer(display string, err error) string {
	return fmt.Sprintf("[%s did not produce an answer: %v]", display, err)
}

// buildDebatePrompt builds the round-2 peer-review prompt for one model. It
// contains every OTHER participant's round-1 answer verbatim, labeled by
// display name, and never the model's own.
func buildDebatePrompt(selfID model.ModelID, prompt string, answers []roundAnswer) string {
	var b strings.Builder
	b.WriteString("Several AI models were independently asked the following question:\n\n")
	b.WriteString(prompt)
	b.WriteString("\n\nHere is how the other models answered:\n")
	for _, a := range answers {
		if a.ModelID == selfID {
			continue
		}
		display := model.MustLookup(a.ModelID).DisplayName
		fmt.Fprintf(&b, "\n--- Answer from %s ---\n%s\n", display, a.Text)
	}
	b.WriteString("\nRe-evaluate your own previous answer in light of the other models' answers. ")
	b.WriteString("Point out where they are wrong or where they found something you missed, ")
	b.WriteString("then either defend your position or revise it. Give your full, final answer.")
	return b.String()
}

// buildSynthesisPrompt builds the master model's merge instruction over every
// model's round-2 answer. The sentinel prefix marks it for transcript filtering.
func buildSynthesisPrompt(prompt string, answers []roundAnswer) string {
	var b strings.Builder
	b.WriteString(SynthesisSentinel)
	b.WriteString("You moderated a debate between AI models on this question:\n\n")
	b.WriteString(prompt)
	b.WriteString("\n\nTheir final positions after mutual review:\n")
	for _, a := range answers {
		display := model.MustLookup(a.ModelID).DisplayName
		fmt.Fprintf(&b, "\n--- Final answer from %s ---\n%s\n", display, a.Text)
	}
	b.WriteString("\nWrite the single authoritative answer to the original question, ")
	b.WriteString("merging the strongest points and resolving the disagreements. ")
	b.WriteString("Do not mention the debate or the other models; just answer the question.")
	return b.String()
}

// buildSummaryPrompt builds the utility-model instruction that produces the
// structured cross-model analysis.
func buildSummaryPrompt(prompt string, round1, round2 []roundAnswer) string {
	var b strings.Builder
	b.WriteString("Analyze this two-round debate between AI models.\n\nQuestion:\n")
	b.WriteString(prompt)
	for _, a := range round1 {
		display := model.MustLookup(a.ModelID).DisplayName
		fmt.Fprintf(&b, "\n--- Round 1, %s (%s) ---\n%s\n", display, a.ModelID, a.Text)
	}
	for _, a := range round2 {
		display := model.MustLookup(a.ModelID).DisplayName
		fmt.Fprintf(&b, "\n--- Round 2, %s (%s) ---\n%s\n", display, a.ModelID, a.Text)
	}
	b.WriteString("\nProduce the structured analysis: a one-sentence overview, ")
	b.WriteString("cross-model agreements and disagreements, a convergence statement, ")
	b.WriteString("and per-model entries (use the model id in parentheses) noting whether ")
	b.WriteString("each model changed position between rounds and its key points.")
	return b.String()
}

// summarySchema constrains the summary model's output to the
// model.StructuredSummary shape.
var summarySchema = json.RawMessage(`{
	"type": "object",
	"additionalProperties": false,
	"required": ["overview", "agreements", "disagreements", "convergence", "model_entries"],
	"properties": {
		"overview": {"type": "string"},
		"agreements": {"type": "array", "items": {"type": "string"}},
		"disagreements": {"type": "array", "items": {"type": "string"}},
		"convergence": {"type": "string"},
		"model_entries": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["model_id", "changed_position", "key_points"],
				"properties": {
					"model_id": {"type": "string"},
					"changed_position": {"type": "boolean"},
					"key_points": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`)
