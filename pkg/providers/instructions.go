package providers

import "github.com/contentflow/contentflow/pkg/models"

// GenerateInstruction is the system instruction for content generation.
const GenerateInstruction = "You are a professional content writer. Write clear, well-structured, " +
	"original content that answers the user's request. Return only the content."

var improveInstructions = map[models.ImproveMode]string{
	models.ImproveGrammar: "Correct grammar, spelling and punctuation in the user's text. " +
		"Keep the meaning, tone and structure unchanged.",
	models.ImproveStyle: "Rewrite the user's text with better style and flow while preserving its meaning.",
	models.ImproveClarity: "Rewrite the user's text so it is easier to understand. " +
		"Prefer short sentences and plain words.",
	models.ImproveEngagement: "Rewrite the user's text to be more engaging for readers without changing the facts.",
	models.ImproveSEO: "Optimise the user's text for search engines: use descriptive headings, natural keywords " +
		"and a strong opening, without keyword stuffing.",
	models.ImproveExpand:   "Expand the user's text with relevant detail and examples, keeping its voice.",
	models.ImproveCondense: "Condense the user's text to its essential points, keeping its voice.",
}

// ImproveInstruction returns the system instruction for mode.
func ImproveInstruction(mode models.ImproveMode) (string, bool) {
	s, ok := improveInstructions[mode]
	if !ok {
		return "", false
	}
	return s + " Return only the revised text.", true
}
