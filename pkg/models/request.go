package models

// Operation is the kind of work requested from a provider.
type Operation string

const (
	OperationGenerate Operation = "generate"
	OperationImprove  Operation = "improve"
)

// ImproveMode selects how existing content is improved.
type ImproveMode string

const (
	ImproveGrammar    ImproveMode = "grammar"
	ImproveStyle      ImproveMode = "style"
	ImproveClarity    ImproveMode = "clarity"
	ImproveEngagement ImproveMode = "engagement"
	ImproveSEO        ImproveMode = "seo"
	ImproveExpand     ImproveMode = "expand"
	ImproveCondense   ImproveMode = "condense"
)

// ImproveModes lists every supported improvement mode.
func ImproveModes() []ImproveMode {
	return []ImproveMode{
		ImproveGrammar, ImproveStyle, ImproveClarity, ImproveEngagement,
		ImproveSEO, ImproveExpand, ImproveCondense,
	}
}

// Valid reports whether m is a supported mode.
func (m ImproveMode) Valid() bool {
	for _, v := range ImproveModes() {
		if v == m {
			return true
		}
	}
	return false
}

// Options tunes a single provider call. Zero values mean "provider default".
type Options struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// GenerationRequest is an ephemeral logical request handled by the orchestrator.
// Text carries the prompt for generate and the content for improve.
type GenerationRequest struct {
	Operation Operation   `json:"operation"`
	Provider  Provider    `json:"provider,omitempty"`
	Text      string      `json:"text"`
	Mode      ImproveMode `json:"mode,omitempty"`
	Options   Options     `json:"options"`
}

// Usage represents token usage reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
