// Package validate implements the request validator (C4): size, cardinality,
// and field-compatibility checks on an incoming Responses request.
//
// Structural checks walk the typed respproto.Request; the recursive input-size
// estimate and the benign-field warning pass walk the raw JSON body directly
// with gjson, because both need to see fields (or accumulate byte counts
// across an arbitrarily shaped tree) the typed struct deliberately does not
// model.
package validate

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/quailyn/respbridge/internal/respproto"
)

// MaxInstructionsBytes is the §4.4 ceiling on the instructions field.
const MaxInstructionsBytes = 100 * 1024

// MaxInputBytes is the §4.4 ceiling on the recursive input-size estimate.
const MaxInputBytes = 5 * 1024 * 1024

// MaxInputItems is the §4.4 ceiling on input array length.
const MaxInputItems = 1000

// MaxOutputTokensFloor and MaxOutputTokensCeil bound max_output_tokens (§4.4).
const (
	MaxOutputTokensFloor = 1
	MaxOutputTokensCeil  = 100000
)

// MaxTools is the backend's tool-list length ceiling. Not specified
// numerically by the source spec; resolved against OpenAI's own limit and
// recorded as an Open Question resolution in DESIGN.md.
const MaxTools = 128

// Error is a validator rejection: an HTTP status plus a machine-readable code
// and a one-sentence human message (§7, §8).
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func reject(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Result is the outcome of a successful validation: the decoded request plus
// any benign-field warnings to log (not reject on).
type Result struct {
	Request  *respproto.Request
	Warnings []string
}

// Validate decodes and checks raw against every §4.4 rule. On success it
// returns the decoded request and a warning list; on failure it returns a
// nil Result and a typed Error carrying the HTTP status and machine code.
func Validate(raw []byte) (*Result, *Error) {
	var req respproto.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_json", "Request body is not valid JSON.")
	}

	if req.Model == "" {
		return nil, reject(http.StatusBadRequest, "missing_model", "The 'model' field is required.")
	}

	stringInput, items, err := respproto.ParseInput(req.Input)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_input", err.Error())
	}
	hasStringInput := stringInput != ""
	hasItems := len(items) > 0

	if !hasStringInput && !hasItems && req.Instructions == "" {
		return nil, reject(http.StatusBadRequest, "missing_input", "Request must include 'input' or 'instructions'.")
	}

	if len(req.Instructions) > MaxInstructionsBytes {
		return nil, reject(http.StatusBadRequest, "instructions_too_large", "The 'instructions' field exceeds 100 KB.")
	}

	if len(items) > MaxInputItems {
		return nil, reject(http.StatusBadRequest, "too_many_input_items", fmt.Sprintf("The 'input' array exceeds %d items.", MaxInputItems))
	}

	root := gjson.ParseBytes(raw)
	if inputSize := estimateInputSize(root.Get("input")); inputSize > MaxInputBytes {
		return nil, reject(http.StatusRequestEntityTooLarge, "input_too_large", "Total input content exceeds 5 MiB.")
	}

	if verr := checkContentParts(items); verr != nil {
		return nil, verr
	}

	if root.Get("input").IsArray() {
		if idx := findAttachmentsField(root.Get("input")); idx >= 0 {
			return nil, reject(http.StatusBadRequest, "attachments_not_supported", "Attachments are not supported.")
		}
	}

	if verr := checkMaxOutputTokens(&req); verr != nil {
		return nil, verr
	}

	if verr := checkTools(&req); verr != nil {
		return nil, verr
	}

	if req.Background != nil && *req.Background {
		return nil, reject(http.StatusBadRequest, "background_not_supported", "The 'background' mode is not supported.")
	}

	if req.PreviousResponseID != "" || len(req.Conversation) > 0 {
		return nil, reject(http.StatusBadRequest, "stateful_fields_not_supported", "Stateful fields ('previous_response_id', 'conversation') are not supported.")
	}

	return &Result{Request: &req, Warnings: collectWarnings(root)}, nil
}

func checkMaxOutputTokens(req *respproto.Request) *Error {
	tok := req.EffectiveMaxOutputTokens()
	if tok == nil {
		return nil
	}
	if *tok < MaxOutputTokensFloor || *tok > MaxOutputTokensCeil {
		return reject(http.StatusBadRequest, "invalid_max_output_tokens",
			fmt.Sprintf("'max_output_tokens' must be between %d and %d.", MaxOutputTokensFloor, MaxOutputTokensCeil))
	}
	return nil
}

func checkTools(req *respproto.Request) *Error {
	if len(req.Tools) > MaxTools {
		return reject(http.StatusBadRequest, "too_many_tools", fmt.Sprintf("The 'tools' array exceeds %d entries.", MaxTools))
	}
	names := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		if t.Type != "function" {
			return reject(http.StatusBadRequest, "unsupported_tool_type", fmt.Sprintf("Tool type %q is not supported; only 'function' tools are accepted.", t.Type))
		}
		if t.Function != nil {
			names[t.Function.Name] = true
		}
	}
	if len(req.ToolChoice) == 0 {
		return nil
	}
	var choice respproto.ToolChoiceFunction
	if err := json.Unmarshal(req.ToolChoice, &choice); err == nil && choice.Type == "function" {
		if !names[choice.Function.Name] {
			return reject(http.StatusBadRequest, "unknown_tool_choice", fmt.Sprintf("'tool_choice' names function %q, which is not in 'tools'.", choice.Function.Name))
		}
	}
	return nil
}

func checkContentParts(items []respproto.InputItem) *Error {
	for _, item := range items {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		text, parts, isPlain, err := respproto.ParseContent(item.Content)
		if err != nil {
			return reject(http.StatusBadRequest, "invalid_content", err.Error())
		}
		if isPlain {
			if item.Role == "tool" && text == "" {
				return reject(http.StatusBadRequest, "tool_output_empty", "A 'tool' role message must have non-empty content.")
			}
			continue
		}
		hasText := false
		for _, p := range parts {
			switch p.Type {
			case "input_file":
				return reject(http.StatusBadRequest, "input_file_not_supported", "Content parts of type 'input_file' are not supported.")
			case "tool_output":
				if item.Role != "tool" {
					return reject(http.StatusBadRequest, "tool_output_misplaced", "A 'tool_output' content part is only valid on a 'tool' role message.")
				}
				hasText = true
			case "input_text", "output_text", "reasoning", "refusal":
				hasText = true
			case "input_image":
				if item.Role == "tool" {
					return reject(http.StatusBadRequest, "tool_output_invalid_part", "A 'tool' role message may only contain text or tool_output parts.")
				}
			}
		}
		if item.Role == "tool" && !hasText {
			return reject(http.StatusBadRequest, "tool_output_empty", "A 'tool' role message must have non-empty text or tool_output content.")
		}
	}
	return nil
}

// estimateInputSize sums the UTF-8 byte length of every string leaf
// (text parts, image URLs, reasoning bodies, tool outputs) anywhere in the
// input tree, adopted from original_source's estimate_input_size (§12).
func estimateInputSize(v gjson.Result) int {
	total := 0
	switch {
	case v.IsArray(), v.IsObject():
		v.ForEach(func(_, val gjson.Result) bool {
			total += estimateInputSize(val)
			return true
		})
	case v.Type == gjson.String:
		total += len(v.Str)
	}
	return total
}

func findAttachmentsField(v gjson.Result) int {
	found := -1
	v.ForEach(func(_, item gjson.Result) bool {
		if item.Get("attachments").Exists() {
			found = 0
			return false
		}
		return true
	})
	return found
}

// benignField pairs a gjson path with the warning text to log when present.
var benignFields = []struct {
	path string
	warn string
}{
	{"store", "field 'store' is accepted and ignored"},
	{"stream_options", "field 'stream_options' is accepted and ignored"},
	{"modalities", "field 'modalities' is accepted and ignored"},
	{"prediction", "field 'prediction' is accepted and ignored"},
	{"service_tier", "field 'service_tier' is accepted and ignored"},
	{"include", "field 'include' is accepted and ignored"},
	{"reasoning.effort", "field 'reasoning.effort' is accepted and ignored"},
	{"reasoning.summary", "field 'reasoning.summary' is accepted and ignored"},
	{"reasoning.generate_summary", "field 'reasoning.generate_summary' is accepted and ignored"},
	{"text.format", "field 'text.format' is accepted and ignored"},
	{"text.verbosity", "field 'text.verbosity' is accepted and ignored"},
	{"truncation", "field 'truncation' is accepted and ignored"},
	{"max_tool_calls", "field 'max_tool_calls' is accepted and ignored"},
}

// collectWarnings is the warn_unsupported_features pass (§12): a single scan
// over the decoded request logging (never rejecting) every advisory field.
func collectWarnings(root gjson.Result) []string {
	var warnings []string
	for _, bf := range benignFields {
		if root.Get(bf.path).Exists() {
			warnings = append(warnings, bf.warn)
		}
	}
	return warnings
}
