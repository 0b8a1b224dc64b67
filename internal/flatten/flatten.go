// Package flatten implements the input flattener (C5): it turns the
// Responses API's input[] tagged-union array into the backend's ordered,
// flat messages[] array, grounded on the pending-message accumulation shape
// of internal/transform/anthropic.go's pending-content buffer (flushed on
// role/type change) in the teacher repository.
package flatten

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/quailyn/respbridge/internal/chatproto"
	"github.com/quailyn/respbridge/internal/respproto"
)

// Error is a flattener rejection carrying a machine code, mirroring
// validate.Error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func fail(code, message string) *Error { return &Error{Code: code, Message: message} }

// Result is a successful flatten: the ordered backend messages plus whether
// a tool-use XML preamble must be injected ahead of them (§4.5 step 5).
type Result struct {
	Messages     []chatproto.Message
	NeedsPreamble bool
}

// state accumulates the in-progress walk of input[].
type state struct {
	out              []chatproto.Message
	pendingAssistant *chatproto.Message // open assistant message awaiting more function_call items or content
	declaredToolIDs  map[string]bool
	usedToolIDs      map[string]string // tool_call_id -> already consumed by which message (for duplicate detection, informational only)
	pendingReasoning string             // top-level reasoning text awaiting the next assistant message
}

// Flatten runs the §4.5 algorithm. supportsNative answers whether the
// resolved model advertises native function-calling; when false and the
// request carries tools, Result.NeedsPreamble is set so the caller can
// inject the XML-convention system message C6 later parses on the return
// leg.
func Flatten(req *respproto.Request, supportsNative bool) (*Result, *Error) {
	st := &state{declaredToolIDs: map[string]bool{}, usedToolIDs: map[string]string{}}

	if req.Instructions != "" {
		st.out = append(st.out, chatproto.Message{Role: "system", Content: req.Instructions})
	}

	stringInput, items, err := respproto.ParseInput(req.Input)
	if err != nil {
		return nil, fail("invalid_input", err.Error())
	}

	if len(items) == 0 {
		if stringInput != "" {
			st.out = append(st.out, chatproto.Message{Role: "user", Content: stringInput})
		}
		return finish(st, req, supportsNative)
	}

	for _, item := range items {
		switch item.Type {
		case "", "message":
			if ferr := st.handleMessage(item); ferr != nil {
				return nil, ferr
			}
		case "function_call":
			st.handleFunctionCall(item)
		case "function_call_output":
			st.flushPending()
			st.out = append(st.out, chatproto.Message{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    item.Output,
			})
			st.usedToolIDs[item.CallID] = "function_call_output"
		case "reasoning":
			st.handleTopLevelReasoning(item)
		case "item_reference":
			slog.Debug("flatten: skipping item_reference", "id", item.ID)
		default:
			slog.Debug("flatten: skipping unrecognized input item type", "type", item.Type)
		}
	}
	st.flushPending()

	if ferr := st.validateCrossLinks(); ferr != nil {
		return nil, ferr
	}

	return finish(st, req, supportsNative)
}

func finish(st *state, req *respproto.Request, supportsNative bool) (*Result, *Error) {
	needsPreamble := len(req.Tools) > 0 && !supportsNative
	return &Result{Messages: st.out, NeedsPreamble: needsPreamble}, nil
}

// flushPending closes out the pending assistant message, if any, merging in
// any reasoning text queued for "no following assistant message" attachment.
func (st *state) flushPending() {
	if st.pendingAssistant == nil {
		return
	}
	if st.pendingReasoning != "" {
		existing, _ := st.pendingAssistant.Content.(string)
		st.pendingAssistant.Content = st.pendingReasoning + existing
		st.pendingReasoning = ""
	}
	st.out = append(st.out, *st.pendingAssistant)
	st.pendingAssistant = nil
}

func (st *state) openPendingAssistant() *chatproto.Message {
	if st.pendingAssistant == nil {
		st.pendingAssistant = &chatproto.Message{Role: "assistant", Content: ""}
	}
	return st.pendingAssistant
}

func (st *state) handleFunctionCall(item respproto.InputItem) {
	msg := st.openPendingAssistant()
	msg.ToolCalls = append(msg.ToolCalls, chatproto.ToolCall{
		ID:   item.CallID,
		Type: "function",
		Function: chatproto.FunctionCall{
			Name:      item.Name,
			Arguments: item.Arguments,
		},
	})
	st.declaredToolIDs[item.CallID] = true
}

func (st *state) handleTopLevelReasoning(item respproto.InputItem) {
	think := "<think>" + item.Text + "</think>"
	if st.pendingAssistant != nil {
		appendText(st.pendingAssistant, think)
		return
	}
	if n := len(st.out); n > 0 && st.out[n-1].Role == "assistant" {
		appendText(&st.out[n-1], think)
		return
	}
	st.pendingReasoning = think
}

func (st *state) handleMessage(item respproto.InputItem) *Error {
	role := item.Role
	if role == "" {
		role = "user"
	}

	if role == "tool" {
		st.flushPending()
		text, parts, isPlain, err := respproto.ParseContent(item.Content)
		if err != nil {
			return fail("invalid_content", err.Error())
		}
		var content string
		if isPlain {
			content = text
		} else {
			content = flattenToolParts(parts)
		}
		callID := item.ToolCallID
		if callID == "" {
			callID = item.CallID
		}
		st.out = append(st.out, chatproto.Message{Role: "tool", ToolCallID: callID, Content: content})
		st.usedToolIDs[callID] = "message"
		return nil
	}

	text, parts, isPlain, err := respproto.ParseContent(item.Content)
	if err != nil {
		return fail("invalid_content", err.Error())
	}

	if role == "assistant" {
		msg := st.openPendingAssistant()
		if st.pendingReasoning != "" {
			appendText(msg, st.pendingReasoning)
			st.pendingReasoning = ""
		}
		if isPlain {
			appendText(msg, text)
		} else {
			applyParts(msg, parts)
		}
		return nil
	}

	// user/system/developer role: never rides a pending assistant message.
	st.flushPending()
	msg := chatproto.Message{Role: role}
	if isPlain {
		msg.Content = text
	} else {
		msg.Content = partsToContentParts(parts)
	}
	st.out = append(st.out, msg)
	return nil
}

// appendText concatenates plain text onto an existing (possibly empty)
// string Content, used when reasoning or multiple text parts land on the
// same assistant message.
func appendText(msg *chatproto.Message, text string) {
	existing, _ := msg.Content.(string)
	msg.Content = existing + text
}

// applyParts folds a content-part array onto an assistant message: text-like
// parts concatenate into its string Content (assistant messages never carry
// a ContentPart array in the backend schema), images are unsupported on
// assistant turns and dropped with a debug log.
func applyParts(msg *chatproto.Message, parts []respproto.ContentPart) {
	var sb strings.Builder
	if existing, ok := msg.Content.(string); ok {
		sb.WriteString(existing)
	}
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text":
			sb.WriteString(p.Text)
		case "reasoning":
			sb.WriteString("<think>" + p.Text + "</think>")
		case "refusal":
			sb.WriteString("[refusal] " + p.Refusal)
		case "input_image":
			slog.Debug("flatten: dropping input_image on assistant message")
		}
	}
	msg.Content = sb.String()
}

// partsToContentParts renders a user/system message's content-part array
// into the backend's multimodal ContentPart shape.
func partsToContentParts(parts []respproto.ContentPart) []chatproto.ContentPart {
	var out []chatproto.ContentPart
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text":
			out = append(out, chatproto.ContentPart{Type: "text", Text: p.Text})
		case "input_image":
			if p.ImageURL != nil {
				out = append(out, chatproto.ContentPart{
					Type: "image_url",
					ImageURL: &chatproto.ImageURL{URL: p.ImageURL.URL, Detail: p.ImageURL.Detail},
				})
			}
		case "reasoning":
			out = append(out, chatproto.ContentPart{Type: "text", Text: "<think>" + p.Text + "</think>"})
		case "refusal":
			out = append(out, chatproto.ContentPart{Type: "text", Text: "[refusal] " + p.Refusal})
		}
	}
	return out
}

// flattenToolParts renders a tool message's content-part array (tool_output,
// or plain text) into the single string the backend's tool message expects.
func flattenToolParts(parts []respproto.ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "tool_output":
			sb.WriteString(p.Body)
		case "input_text", "output_text":
			sb.WriteString(p.Text)
		case "refusal":
			sb.WriteString("[refusal] " + p.Refusal)
		}
	}
	return sb.String()
}

// validateCrossLinks is the §4.5 step 4 final pass: every tool message must
// reference a tool_call_id declared by a preceding assistant message's
// tool_calls.
func (st *state) validateCrossLinks() *Error {
	for _, msg := range st.out {
		if msg.Role != "tool" {
			continue
		}
		if !st.declaredToolIDs[msg.ToolCallID] {
			return fail("tool_output_orphan", fmt.Sprintf("tool message references unknown tool_call_id %q", msg.ToolCallID))
		}
	}
	return nil
}
