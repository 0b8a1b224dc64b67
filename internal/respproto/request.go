// Package respproto defines the client-facing Responses API schema: the
// request envelope, its tagged-union input items and content parts, and the
// streamed event vocabulary emitted back to the client.
package respproto

import "encoding/json"

// Request is the decoded body of POST /v1/responses.
//
// Input is left as json.RawMessage because it is a tagged union (a bare
// string or an ordered item array); ParseInput below resolves it.
type Request struct {
	Model             string          `json:"model"`
	Input             json.RawMessage `json:"input,omitempty"`
	Instructions      string          `json:"instructions,omitempty"`
	Tools             []ToolDef       `json:"tools,omitempty"`
	ToolChoice        json.RawMessage `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`

	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	MaxOutputTokens  *int           `json:"max_output_tokens,omitempty"`
	MaxCompletionTok *int           `json:"max_completion_tokens,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Stop             any            `json:"stop,omitempty"`
	Seed             *int           `json:"seed,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty"`
	TopLogprobs      *int           `json:"top_logprobs,omitempty"`
	Logprobs         *bool          `json:"logprobs,omitempty"`

	Metadata         map[string]string `json:"metadata,omitempty"`
	User             string            `json:"user,omitempty"`
	PromptCacheKey   string            `json:"prompt_cache_key,omitempty"`
	SafetyIdentifier string            `json:"safety_identifier,omitempty"`

	Store              *bool           `json:"store,omitempty"`
	Background         *bool           `json:"background,omitempty"`
	Conversation       json.RawMessage `json:"conversation,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	StreamOptions      json.RawMessage `json:"stream_options,omitempty"`
	Modalities         []string        `json:"modalities,omitempty"`
	Prediction         json.RawMessage `json:"prediction,omitempty"`
	ServiceTier        string          `json:"service_tier,omitempty"`
	Include            []string        `json:"include,omitempty"`
	Reasoning          *ReasoningOpts  `json:"reasoning,omitempty"`
	Text               *TextOpts       `json:"text,omitempty"`
	Truncation         string          `json:"truncation,omitempty"`

	Stream *bool `json:"stream,omitempty"`
}

// ReasoningOpts carries the Responses API's reasoning knobs; all fields are
// accepted-and-ignored advisory fields (§3) because this translator has no
// reasoning-generation control of its own — reasoning is a property the
// upstream model volunteers.
type ReasoningOpts struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// TextOpts carries the Responses API's text-formatting knobs; Format is
// advisory (§3) and otherwise unused.
type TextOpts struct {
	Format json.RawMessage `json:"format,omitempty"`
}

// EffectiveMaxOutputTokens resolves the three overlapping aliases for the
// output-token ceiling, preferring max_output_tokens over
// max_completion_tokens over max_tokens (§6's open question; resolved in
// DESIGN.md).
func (r *Request) EffectiveMaxOutputTokens() *int {
	if r.MaxOutputTokens != nil {
		return r.MaxOutputTokens
	}
	if r.MaxCompletionTok != nil {
		return r.MaxCompletionTok
	}
	return r.MaxTokens
}

// IsStreaming reports whether the client asked for streaming; an absent
// Stream counts as true. The server does not consult it: every request is
// answered with the SSE event stream, and a stream:false request gets no
// buffered single-response body.
func (r *Request) IsStreaming() bool {
	return r.Stream == nil || *r.Stream
}

// ToolDef is a single tool definition. Only Type=="function" is accepted;
// anything else is rejected by the validator.
type ToolDef struct {
	Type     string      `json:"type"`
	Function *FunctionDef `json:"function,omitempty"`
}

// FunctionDef describes one callable function tool.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolChoiceFunction is the shape of a pinned tool_choice ({"type":"function","function":{"name":...}}).
type ToolChoiceFunction struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}
