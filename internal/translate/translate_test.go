package translate

import (
	"testing"

	"github.com/quailyn/respbridge/internal/chatproto"
	"github.com/quailyn/respbridge/internal/respproto"
)

func newTestTranslator(t *testing.T) (*Translator, *[]respproto.Event) {
	t.Helper()
	var events []respproto.Event
	tr := New("resp_test", "gpt-test", &respproto.Request{}, 1700000000, func(ev respproto.Event) {
		events = append(events, ev)
	})
	return tr, &events
}

func strPtr(s string) *string { return &s }

func eventsOfType(events []respproto.Event, t string) []respproto.Event {
	var out []respproto.Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Worked example 1: a simple streamed string response with no tools or
// reasoning involved.
func TestTranslatorSimpleTextStream(t *testing.T) {
	tr, eventsPtr := newTestTranslator(t)
	tr.EmitCreated()

	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{Content: "Hello, "}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{Content: "world!"}}}})
	tr.HandleChunk(chatproto.Chunk{
		Choices: []chatproto.Choice{{Delta: chatproto.Delta{}, FinishReason: strPtr("stop")}},
		Usage:   &chatproto.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	})

	events := *eventsPtr
	if events[0].Type != respproto.EventCreated {
		t.Fatalf("first event = %q, want response.created", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != respproto.EventDone {
		t.Fatalf("last event = %q, want response.done", last.Type)
	}

	deltas := eventsOfType(events, respproto.EventTextDelta)
	if len(deltas) != 2 || deltas[0].Delta != "Hello, " || deltas[1].Delta != "world!" {
		t.Fatalf("unexpected text deltas: %+v", deltas)
	}

	completed := eventsOfType(events, respproto.EventComplete)
	if len(completed) != 1 {
		t.Fatalf("expected exactly one response.completed, got %d", len(completed))
	}
	resp := completed[0].Response
	if resp.Status != "completed" {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 3 || resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.Output) != 1 || resp.Output[0].Type != "message" {
		t.Fatalf("output = %+v", resp.Output)
	}
	if resp.Output[0].Content[0].Text != "Hello, world!" {
		t.Errorf("message text = %q", resp.Output[0].Content[0].Text)
	}

	if !tr.Done() || tr.Failed() {
		t.Errorf("Done()=%v Failed()=%v, want true/false", tr.Done(), tr.Failed())
	}

	// Sequence numbers must be strictly increasing with no gaps or repeats.
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d (%s) has sequence_number %d, want %d", i, ev.Type, ev.Seq, i+1)
		}
	}
}

// Worked example 3: a native tool call whose name and arguments arrive
// fragmented across several deltas at the same upstream index, including a
// frame where arguments arrive before the name (§4.7.3's pending_args case).
func TestTranslatorFragmentedToolCall(t *testing.T) {
	tr, eventsPtr := newTestTranslator(t)
	tr.EmitCreated()

	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{
		ToolCalls: []chatproto.ToolCall{{Index: 0, ID: "call_abc", Type: "function", Function: chatproto.FunctionCall{Arguments: `{"ci`}}},
	}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{
		ToolCalls: []chatproto.ToolCall{{Index: 0, Function: chatproto.FunctionCall{Name: "get_weather"}}},
	}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{
		ToolCalls: []chatproto.ToolCall{{Index: 0, Function: chatproto.FunctionCall{Arguments: `ty":"Paris"}`}}},
	}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{}, FinishReason: strPtr("tool_calls")}}})

	events := *eventsPtr

	begins := eventsOfType(events, respproto.EventToolCallBegin)
	if len(begins) != 1 || begins[0].Name != "get_weather" || begins[0].CallID != "call_abc" {
		t.Fatalf("unexpected begin events: %+v", begins)
	}

	argDeltas := eventsOfType(events, respproto.EventFuncArgsDelta)
	var gotArgs string
	for _, ev := range argDeltas {
		gotArgs += ev.Delta
	}
	if gotArgs != `{"city":"Paris"}` {
		t.Fatalf("reassembled arguments = %q, want {\"city\":\"Paris\"} (pending_args must have been flushed before the name-bearing frame's own delta)", gotArgs)
	}

	ends := eventsOfType(events, respproto.EventToolCallEnd)
	if len(ends) != 1 || ends[0].Arguments != `{"city":"Paris"}` {
		t.Fatalf("unexpected end events: %+v", ends)
	}

	completed := eventsOfType(events, respproto.EventComplete)
	if len(completed) != 1 || completed[0].Response.Status != "completed" {
		t.Fatalf("unexpected completion: %+v", completed)
	}
	// The pending assistant message opens at output_index 0 as soon as the
	// first tool_call is seen, even with no text content; the function_call
	// rides at output_index 1 (§4.7.1's "first text or first tool_call,
	// whichever comes first" rule).
	out := completed[0].Response.Output
	if len(out) != 2 || out[0].Type != "message" || out[1].Type != "function_call" || out[1].Name != "get_weather" {
		t.Fatalf("output = %+v", out)
	}
}

// Worked example 5: a model with no native function-calling emits an
// XML-style tool call inline in its text content; the client must never see
// the raw XML markup.
func TestTranslatorXMLToolCall(t *testing.T) {
	tr, eventsPtr := newTestTranslator(t)
	tr.EmitCreated()

	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{Content: "Sure, let me check. "}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{Content: `<function=get_time>{"tz":"UTC"}</function>`}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{}, FinishReason: strPtr("stop")}}})

	events := *eventsPtr

	for _, ev := range events {
		if ev.Type == respproto.EventTextDelta && (containsXML(ev.Delta)) {
			t.Fatalf("raw XML markup leaked to client in a text delta: %q", ev.Delta)
		}
	}

	begins := eventsOfType(events, respproto.EventToolCallBegin)
	if len(begins) != 1 || begins[0].Name != "get_time" {
		t.Fatalf("unexpected begin events: %+v", begins)
	}
	ends := eventsOfType(events, respproto.EventToolCallEnd)
	if len(ends) != 1 || ends[0].Arguments != `{"tz":"UTC"}` {
		t.Fatalf("unexpected end events: %+v", ends)
	}
}

func containsXML(s string) bool {
	for _, marker := range []string{"<function=", "</function>"} {
		if len(s) >= len(marker) {
			for i := 0; i+len(marker) <= len(s); i++ {
				if s[i:i+len(marker)] == marker {
					return true
				}
			}
		}
	}
	return false
}

// A reasoning-capable backend's out-of-band reasoning channel must surface
// as its own output item, separate from the visible message text.
func TestTranslatorReasoningChannel(t *testing.T) {
	tr, eventsPtr := newTestTranslator(t)
	tr.EmitCreated()

	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{ReasoningContent: "thinking about it"}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{Content: "the answer is 42"}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{}, FinishReason: strPtr("stop")}}})

	events := *eventsPtr
	reasoningDone := eventsOfType(events, respproto.EventReasoningDone)
	if len(reasoningDone) != 1 || reasoningDone[0].Text != "thinking about it" {
		t.Fatalf("unexpected reasoning.done: %+v", reasoningDone)
	}

	completed := eventsOfType(events, respproto.EventComplete)
	out := completed[0].Response.Output
	if len(out) != 2 {
		t.Fatalf("expected a reasoning item and a message item, got %+v", out)
	}
}

// A "length" finish reason must mark the response incomplete rather than
// completed (§4.7.2).
func TestTranslatorLengthFinishReasonIsIncomplete(t *testing.T) {
	tr, eventsPtr := newTestTranslator(t)
	tr.EmitCreated()
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{Content: "partial"}}}})
	tr.HandleChunk(chatproto.Chunk{Choices: []chatproto.Choice{{Delta: chatproto.Delta{}, FinishReason: strPtr("length")}}})

	events := *eventsPtr
	completed := eventsOfType(events, respproto.EventComplete)
	if len(completed) != 1 {
		t.Fatalf("expected a response.completed event even on incomplete status")
	}
	resp := completed[0].Response
	if resp.Status != "incomplete" || resp.IncompleteDetails == nil || resp.IncompleteDetails.Reason != "max_output_tokens" {
		t.Errorf("unexpected incomplete mapping: %+v", resp)
	}
}

// Fail must emit response.failed then response.done exactly once, even if
// called again.
func TestTranslatorFailIsIdempotent(t *testing.T) {
	tr, eventsPtr := newTestTranslator(t)
	tr.EmitCreated()
	tr.Fail("upstream_error", "boom")
	tr.Fail("upstream_error", "boom again")

	events := *eventsPtr
	failed := eventsOfType(events, respproto.EventFailed)
	done := eventsOfType(events, respproto.EventDone)
	if len(failed) != 1 || len(done) != 1 {
		t.Fatalf("expected exactly one failed and one done event, got failed=%d done=%d", len(failed), len(done))
	}
	if !tr.Failed() || !tr.Done() {
		t.Errorf("Failed()=%v Done()=%v, want true/true", tr.Failed(), tr.Done())
	}
}
