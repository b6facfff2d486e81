package analysis

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentiment is the declared enum for Result.Sentiment.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
)

func (s Sentiment) valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative, SentimentMixed:
		return true
	default:
		return false
	}
}

// ActionItem is one entry of Result.ActionItems.
type ActionItem struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// PromptingTip is one entry of Result.PromptingTips.
type PromptingTip struct {
	Category   string `json:"category"`
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
	Example    string `json:"example,omitempty"`
}

// InteractionPatterns scores how the user directed the assistant.
type InteractionPatterns struct {
	PromptClarity          int      `json:"promptClarity"`
	ContextCompleteness    int      `json:"contextCompleteness"`
	FollowUpEffectiveness  string   `json:"followUpEffectiveness"`
	CommonIssues           []string `json:"commonIssues"`
	Strengths              []string `json:"strengths"`
}

// TechnicalDetails captures the technical substance of the conversation.
type TechnicalDetails struct {
	Frameworks             []string `json:"frameworks"`
	Issues                 []string `json:"issues"`
	Solutions              []string `json:"solutions"`
	ToolUsageEfficiency    string   `json:"toolUsageEfficiency,omitempty"`
	ContextWindowManagement string  `json:"contextWindowManagement,omitempty"`
}

// ConversationQuality is a free-text quality assessment along four axes.
type ConversationQuality struct {
	Clarity               string `json:"clarity"`
	Completeness          string `json:"completeness"`
	Effectiveness         string `json:"effectiveness"`
	SuggestedImprovement  string `json:"suggestedImprovement"`
}

// Result is the structured output of an analysis job (spec.md §4.7 step 3).
// Its JSON shape is also the schema the external model is instructed to
// produce, and the schema this package validates the model's response
// against before persisting it.
type Result struct {
	Summary              string               `json:"summary"`
	KeyTopics            []string             `json:"keyTopics"`
	Sentiment            Sentiment            `json:"sentiment"`
	UserIntent           string               `json:"userIntent"`
	Outcomes             []string             `json:"outcomes"`
	ActionItems          []ActionItem         `json:"actionItems"`
	PromptingTips        []PromptingTip       `json:"promptingTips"`
	InteractionPatterns  InteractionPatterns  `json:"interactionPatterns"`
	TechnicalDetails     TechnicalDetails     `json:"technicalDetails"`
	ConversationQuality  ConversationQuality  `json:"conversationQuality"`
}

// ParseResult strips an optional ```json fence, unmarshals, and validates
// the result against the declared schema. A parse or validation failure is
// treated identically by the worker: both retry the job (spec.md §4.7 step 5).
func ParseResult(raw []byte) (*Result, error) {
	cleaned := stripCodeFence(raw)

	var result Result
	if err := json.Unmarshal(cleaned, &result); err != nil {
		return nil, fmt.Errorf("analysis: decoding model response: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("analysis: validating model response: %w", err)
	}
	return &result, nil
}

// Validate checks the required fields and bounded scores of a Result.
func (r Result) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("summary is required")
	}
	if !r.Sentiment.valid() {
		return fmt.Errorf("sentiment %q is not one of positive|neutral|negative|mixed", r.Sentiment)
	}
	if strings.TrimSpace(r.UserIntent) == "" {
		return fmt.Errorf("userIntent is required")
	}
	for _, item := range r.ActionItems {
		if strings.TrimSpace(item.Type) == "" || strings.TrimSpace(item.Description) == "" {
			return fmt.Errorf("actionItems entries require type and description")
		}
	}
	for _, tip := range r.PromptingTips {
		if strings.TrimSpace(tip.Category) == "" || strings.TrimSpace(tip.Issue) == "" || strings.TrimSpace(tip.Suggestion) == "" {
			return fmt.Errorf("promptingTips entries require category, issue and suggestion")
		}
	}
	if err := boundedScore("promptClarity", r.InteractionPatterns.PromptClarity); err != nil {
		return err
	}
	if err := boundedScore("contextCompleteness", r.InteractionPatterns.ContextCompleteness); err != nil {
		return err
	}
	return nil
}

func boundedScore(field string, v int) error {
	if v < 0 || v > 10 {
		return fmt.Errorf("%s must be between 0 and 10, got %d", field, v)
	}
	return nil
}

// resultToMap round-trips a Result through JSON into the map[string]any
// shape the ent JSON field (conversationanalysis.result_structured) stores.
func resultToMap(r *Result) (map[string]interface{}, error) {
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func stripCodeFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(strings.TrimSpace(s))
}
