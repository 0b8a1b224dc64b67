// Package translate implements the stream translator (C7): a per-request
// finite state machine that consumes the backend's chunked chat delta stream
// (internal/chatproto.Chunk) and emits the Responses event vocabulary
// (internal/respproto.Event), including tool-call fragment buffering (§4.7.3),
// reasoning/text separation via internal/thinktag, and XML-tool-call rewriting
// via internal/xmltool. It is grounded on the per-request StreamState shape
// of §3 and on the teacher's internal/stream/collector.go for the general
// shape of "accumulate across chunks, flush structured events downstream."
package translate

import (
	"fmt"
	"sort"

	"github.com/quailyn/respbridge/internal/chatproto"
	"github.com/quailyn/respbridge/internal/respproto"
	"github.com/quailyn/respbridge/internal/thinktag"
	"github.com/quailyn/respbridge/internal/xmltool"
)

// EmitFunc receives one outbound event at a time, in emission order. The
// caller (C9) is responsible for serializing it onto the wire.
type EmitFunc func(respproto.Event)

// toolCallState mirrors §3's ToolCallState: per-upstream-index bookkeeping
// for a single tool call's fragmentation-safe begin/delta/end emission.
type toolCallState struct {
	upstreamID   string
	name         string
	callID       string
	itemID       string
	outputIndex  int
	argsSoFar    string
	pendingArgs  string
	beginEmitted bool
	endEmitted   bool
}

// Translator is the per-request §4.7.2 state machine. It is owned
// exclusively by the task driving one request; nothing about it is safe for
// concurrent use from two goroutines.
type Translator struct {
	requestID string
	model     string
	req       *respproto.Request
	emit      EmitFunc

	seq             int64
	nextOutputIndex int

	messageOpened bool
	messageIndex  int
	messageItemID string
	textStarted   bool
	accumText     string

	reasoningOpened bool
	reasoningClosed bool
	reasoningIndex  int
	reasoningItemID string
	accumReasoning  string

	toolByIndex  map[int]*toolCallState
	toolOrder    []int
	nextFallback int // counter for call_{request_id}_{k} when upstream id absent

	think *thinktag.Splitter
	xml   *xmltool.Extractor
	xmlN  int // counter for call_{request_id}_{k} synthesized from XML blocks

	usage        *respproto.ResponseUsage
	createdAtSec int64
	failed       bool
	done         bool
}

// New creates a Translator for one request. createdAtSec is the Unix
// timestamp to report on response.created/completed (passed in rather than
// read from time.Now so callers stay in control of clock access).
func New(requestID, model string, req *respproto.Request, createdAtSec int64, emit EmitFunc) *Translator {
	return &Translator{
		requestID:    requestID,
		model:        model,
		req:          req,
		emit:         emit,
		messageIndex: -1,
		reasoningIndex: -1,
		toolByIndex:  map[int]*toolCallState{},
		think:        &thinktag.Splitter{},
		xml:          &xmltool.Extractor{},
		createdAtSec: createdAtSec,
	}
}

func (t *Translator) nextSeq() int64 {
	t.seq++
	return t.seq
}

func (t *Translator) allocOutputIndex() int {
	idx := t.nextOutputIndex
	t.nextOutputIndex++
	return idx
}

// EmitCreated emits the opening response.created event (§4.7.1).
func (t *Translator) EmitCreated() {
	t.emit(respproto.Event{
		Type: respproto.EventCreated,
		Seq:  t.nextSeq(),
		Response: &respproto.ResponseEnvelope{
			ID:                t.requestID,
			Object:             "response",
			CreatedAt:          t.createdAtSec,
			Status:             "in_progress",
			Model:              t.model,
			Output:             []respproto.OutputItem{},
			Usage:              nil,
			Metadata:           t.req.Metadata,
			Temperature:        t.req.Temperature,
			TopP:               t.req.TopP,
			MaxOutputTokens:    t.req.EffectiveMaxOutputTokens(),
			ParallelToolCalls:  t.req.ParallelToolCalls,
			Tools:              t.req.Tools,
		},
	})
}

// HandleChunk advances the state machine by one upstream chat delta frame.
func (t *Translator) HandleChunk(chunk chatproto.Chunk) {
	if chunk.Usage != nil {
		t.applyUsage(chunk.Usage)
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.ReasoningContent != "" {
		t.handleReasoningDelta(delta.ReasoningContent)
	}
	if delta.Content != "" {
		t.handleContentDelta(delta.Content)
	}
	for _, tc := range delta.ToolCalls {
		t.handleToolCallDelta(tc)
	}

	if choice.FinishReason != nil {
		t.finish(*choice.FinishReason)
	}
}

// handleContentDelta routes raw assistant text through the <think> splitter
// (§9) and then, for the non-reasoning portion, through the XML tool-call
// extractor (C6) before it ever reaches the client.
func (t *Translator) handleContentDelta(content string) {
	for _, frag := range t.think.Feed(content) {
		switch frag.Kind {
		case thinktag.KindThink:
			t.handleReasoningDelta(frag.Text)
		case thinktag.KindText:
			t.handlePlainTextDelta(frag.Text)
		}
	}
}

// handlePlainTextDelta feeds text (already stripped of <think> envelopes)
// through the XML extractor and emits whatever is left as visible text,
// synthesizing tool calls for whatever XML blocks completed.
func (t *Translator) handlePlainTextDelta(text string) {
	safe, calls := t.xml.Feed(text)
	if safe != "" {
		t.emitTextDelta(safe)
	}
	for _, c := range calls {
		t.emitSyntheticToolCall(c)
	}
}

func (t *Translator) emitTextDelta(delta string) {
	t.ensureMessageOpen()
	t.closeReasoningIfOpen()
	if !t.textStarted {
		t.textStarted = true
	}
	t.accumText += delta
	zero := 0
	t.emit(respproto.Event{
		Type: respproto.EventTextDelta, Seq: t.nextSeq(),
		ItemID: t.messageItemID, OutputIndex: &t.messageIndex, ContentIndex: &zero,
		Delta: delta,
	})
}

func (t *Translator) handleReasoningDelta(text string) {
	if text == "" {
		return
	}
	t.ensureReasoningOpen()
	t.accumReasoning += text
	t.emit(respproto.Event{
		Type: respproto.EventReasoningDelta, Seq: t.nextSeq(),
		ItemID: t.reasoningItemID, OutputIndex: &t.reasoningIndex,
		Delta: text,
	})
}

func (t *Translator) ensureMessageOpen() {
	if t.messageOpened {
		return
	}
	t.messageOpened = true
	t.messageIndex = t.allocOutputIndex()
	t.messageItemID = fmt.Sprintf("msg_%s", t.requestID)
	t.emit(respproto.Event{
		Type: respproto.EventOutputItemAdded, Seq: t.nextSeq(),
		OutputIndex: &t.messageIndex,
		Item: &respproto.OutputItem{
			ID: t.messageItemID, Type: "message", Role: "assistant", Status: "in_progress",
			Content: []respproto.ContentPartOut{},
		},
	})
	zero := 0
	t.emit(respproto.Event{
		Type: respproto.EventContentPartAdded, Seq: t.nextSeq(),
		ItemID: t.messageItemID, OutputIndex: &t.messageIndex, ContentIndex: &zero,
		Part: &respproto.ContentPartOut{Type: "output_text", Text: ""},
	})
}

func (t *Translator) ensureReasoningOpen() {
	if t.reasoningOpened {
		return
	}
	t.reasoningOpened = true
	t.reasoningIndex = t.allocOutputIndex()
	t.reasoningItemID = fmt.Sprintf("rs_%s", t.requestID)
}

func (t *Translator) closeReasoningIfOpen() {
	if !t.reasoningOpened || t.reasoningClosed {
		return
	}
	t.reasoningClosed = true
	t.emit(respproto.Event{
		Type: respproto.EventReasoningDone, Seq: t.nextSeq(),
		ItemID: t.reasoningItemID, OutputIndex: &t.reasoningIndex,
		Text: t.accumReasoning,
	})
}

// handleToolCallDelta implements §4.7.3's fragmentation contract.
func (t *Translator) handleToolCallDelta(tc chatproto.ToolCall) {
	st, ok := t.toolByIndex[tc.Index]
	if !ok {
		st = &toolCallState{}
		t.toolByIndex[tc.Index] = st
		t.toolOrder = append(t.toolOrder, tc.Index)
	}
	if tc.ID != "" {
		st.upstreamID = tc.ID
	}
	if tc.Function.Name != "" {
		st.name = tc.Function.Name
	}
	if tc.Function.Arguments == "" {
		return
	}

	if st.name == "" {
		st.pendingArgs += tc.Function.Arguments
		return
	}

	if !st.beginEmitted {
		t.beginToolCall(st)
		pending := st.pendingArgs
		st.pendingArgs = ""
		if pending != "" {
			t.deltaToolCall(st, pending)
		}
		t.deltaToolCall(st, tc.Function.Arguments)
		return
	}

	t.deltaToolCall(st, tc.Function.Arguments)
}

func (t *Translator) resolveCallID(st *toolCallState) string {
	if st.upstreamID != "" {
		return st.upstreamID
	}
	id := fmt.Sprintf("call_%s_%d", t.requestID, t.nextFallback)
	t.nextFallback++
	return id
}

func (t *Translator) beginToolCall(st *toolCallState) {
	t.ensureMessageOpen()
	st.callID = t.resolveCallID(st)
	st.outputIndex = t.allocOutputIndex()
	st.itemID = fmt.Sprintf("item_%s_%d", t.requestID, st.outputIndex)

	t.emit(respproto.Event{
		Type: respproto.EventToolCallBegin, Seq: t.nextSeq(),
		ItemID: st.itemID, OutputIndex: &st.outputIndex, CallID: st.callID, Name: st.name,
	})
	t.emit(respproto.Event{
		Type: respproto.EventOutputItemAdded, Seq: t.nextSeq(),
		OutputIndex: &st.outputIndex,
		Item: &respproto.OutputItem{
			ID: st.itemID, Type: "function_call", Status: "in_progress",
			CallID: st.callID, Name: st.name, Arguments: "",
		},
	})
	st.beginEmitted = true
}

func (t *Translator) deltaToolCall(st *toolCallState, delta string) {
	st.argsSoFar += delta
	t.emit(respproto.Event{
		Type: respproto.EventToolCallDelta, Seq: t.nextSeq(),
		ItemID: st.itemID, OutputIndex: &st.outputIndex, Delta: delta,
	})
	t.emit(respproto.Event{
		Type: respproto.EventFuncArgsDelta, Seq: t.nextSeq(),
		ItemID: st.itemID, OutputIndex: &st.outputIndex, Delta: delta,
	})
}

func (t *Translator) endToolCall(st *toolCallState) {
	if st.endEmitted {
		return
	}
	st.endEmitted = true
	t.emit(respproto.Event{
		Type: respproto.EventToolCallEnd, Seq: t.nextSeq(),
		ItemID: st.itemID, OutputIndex: &st.outputIndex,
		CallID: st.callID, Name: st.name, Arguments: st.argsSoFar,
	})
	t.emit(respproto.Event{
		Type: respproto.EventFuncArgsDone, Seq: t.nextSeq(),
		ItemID: st.itemID, OutputIndex: &st.outputIndex, Name: st.name, Arguments: st.argsSoFar,
	})
	t.emit(respproto.Event{
		Type: respproto.EventOutputItemDone, Seq: t.nextSeq(),
		OutputIndex: &st.outputIndex,
		Item: &respproto.OutputItem{
			ID: st.itemID, Type: "function_call", Status: "completed",
			CallID: st.callID, Name: st.name, Arguments: st.argsSoFar,
		},
	})
}

// emitSyntheticToolCall implements C6's contract: a fully-parsed XML tool
// call is replayed through the exact same begin/delta/end sequence as a
// native one, with a deterministic request-scoped call_id.
func (t *Translator) emitSyntheticToolCall(c xmltool.Call) {
	idx := -1000 - t.xmlN // negative index space never collides with upstream tool_calls[].index
	st := &toolCallState{name: c.Name, callID: fmt.Sprintf("call_%s_%d", t.requestID, t.xmlN)}
	t.xmlN++
	t.toolByIndex[idx] = st
	t.toolOrder = append(t.toolOrder, idx)

	t.ensureMessageOpen()
	st.outputIndex = t.allocOutputIndex()
	st.itemID = fmt.Sprintf("item_%s_%d", t.requestID, st.outputIndex)

	t.emit(respproto.Event{
		Type: respproto.EventToolCallBegin, Seq: t.nextSeq(),
		ItemID: st.itemID, OutputIndex: &st.outputIndex, CallID: st.callID, Name: st.name,
	})
	t.emit(respproto.Event{
		Type: respproto.EventOutputItemAdded, Seq: t.nextSeq(),
		OutputIndex: &st.outputIndex,
		Item: &respproto.OutputItem{
			ID: st.itemID, Type: "function_call", Status: "in_progress",
			CallID: st.callID, Name: st.name, Arguments: "",
		},
	})
	st.beginEmitted = true
	if c.Arguments != "" {
		t.deltaToolCall(st, c.Arguments)
	}
	t.endToolCall(st)
}

func (t *Translator) applyUsage(u *chatproto.Usage) {
	usage := &respproto.ResponseUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptDetails != nil {
		usage.InputTokensDetails.CachedTokens = u.PromptDetails.CachedTokens
	}
	if u.CompletionDetail != nil {
		usage.OutputTokensDetails.ReasoningTokens = u.CompletionDetail.ReasoningTokens
	}
	t.usage = usage
}

// finish closes out every open item (the reasoning item, then the message
// item, then each tool call in ascending output_index order) and emits the
// terminal response.completed/response.done pair (§4.7.2, §4.7.4).
func (t *Translator) finish(finishReason string) {
	if t.done {
		return
	}

	// Flush whatever the <think>/XML extractors are still holding: an
	// unterminated marker streams through as plain text rather than being
	// silently dropped.
	if thinkRem := t.think.Flush(); len(thinkRem) > 0 {
		for _, frag := range thinkRem {
			switch frag.Kind {
			case thinktag.KindThink:
				t.handleReasoningDelta(frag.Text)
			case thinktag.KindText:
				if safe, calls := t.xml.Feed(frag.Text); safe != "" || len(calls) > 0 {
					if safe != "" {
						t.emitTextDelta(safe)
					}
					for _, c := range calls {
						t.emitSyntheticToolCall(c)
					}
				}
			}
		}
	}
	if safe, calls := t.xml.Flush(); safe != "" || len(calls) > 0 {
		if safe != "" {
			t.emitTextDelta(safe)
		}
		for _, c := range calls {
			t.emitSyntheticToolCall(c)
		}
	}

	t.closeReasoningIfOpen()

	if t.messageOpened {
		zero := 0
		t.emit(respproto.Event{
			Type: respproto.EventTextDone, Seq: t.nextSeq(),
			ItemID: t.messageItemID, OutputIndex: &t.messageIndex, ContentIndex: &zero,
			Text: t.accumText,
		})
		t.emit(respproto.Event{
			Type: respproto.EventContentPartDone, Seq: t.nextSeq(),
			ItemID: t.messageItemID, OutputIndex: &t.messageIndex, ContentIndex: &zero,
			Part: &respproto.ContentPartOut{Type: "output_text", Text: t.accumText},
		})
		t.emit(respproto.Event{
			Type: respproto.EventOutputItemDone, Seq: t.nextSeq(),
			OutputIndex: &t.messageIndex,
			Item: &respproto.OutputItem{
				ID: t.messageItemID, Type: "message", Role: "assistant", Status: "completed",
				Content: []respproto.ContentPartOut{{Type: "output_text", Text: t.accumText}},
			},
		})
	}

	order := append([]int(nil), t.toolOrder...)
	sort.SliceStable(order, func(i, j int) bool {
		return t.toolByIndex[order[i]].outputIndex < t.toolByIndex[order[j]].outputIndex
	})
	for _, idx := range order {
		t.endToolCall(t.toolByIndex[idx])
	}

	status, incomplete := mapFinishReason(finishReason)
	t.emitCompleted(status, incomplete)
}

func mapFinishReason(reason string) (status string, incomplete *respproto.IncompleteDetails) {
	switch reason {
	case "length":
		return "incomplete", &respproto.IncompleteDetails{Reason: "max_output_tokens"}
	case "content_filter":
		return "incomplete", &respproto.IncompleteDetails{Reason: "content_filter"}
	case "tool_calls", "stop", "":
		return "completed", nil
	default:
		return "completed", nil
	}
}

func (t *Translator) emitCompleted(status string, incomplete *respproto.IncompleteDetails) {
	t.done = true
	usage := t.usage
	if usage == nil {
		usage = &respproto.ResponseUsage{}
	}
	t.emit(respproto.Event{
		Type: respproto.EventComplete, Seq: t.nextSeq(),
		Response: &respproto.ResponseEnvelope{
			ID: t.requestID, Object: "response", CreatedAt: t.createdAtSec,
			Status: status, Model: t.model, Output: t.collectOutput(),
			Usage: usage, Metadata: t.req.Metadata,
			Temperature: t.req.Temperature, TopP: t.req.TopP,
			MaxOutputTokens: t.req.EffectiveMaxOutputTokens(),
			ParallelToolCalls: t.req.ParallelToolCalls, Tools: t.req.Tools,
			IncompleteDetails: incomplete,
		},
	})
	t.emit(respproto.Event{Type: respproto.EventDone, Seq: t.nextSeq()})
}

// collectOutput assembles the final output array for response.completed, in
// output_index order.
func (t *Translator) collectOutput() []respproto.OutputItem {
	items := make([]respproto.OutputItem, t.nextOutputIndex)
	if t.messageOpened {
		items[t.messageIndex] = respproto.OutputItem{
			ID: t.messageItemID, Type: "message", Role: "assistant", Status: "completed",
			Content: []respproto.ContentPartOut{{Type: "output_text", Text: t.accumText}},
		}
	}
	if t.reasoningOpened {
		items[t.reasoningIndex] = respproto.OutputItem{
			ID: t.reasoningItemID, Type: "reasoning", Status: "completed",
			Content: []respproto.ContentPartOut{{Type: "reasoning_text", Text: t.accumReasoning}},
		}
	}
	for _, idx := range t.toolOrder {
		st := t.toolByIndex[idx]
		items[st.outputIndex] = respproto.OutputItem{
			ID: st.itemID, Type: "function_call", Status: "completed",
			CallID: st.callID, Name: st.name, Arguments: st.argsSoFar,
		}
	}
	return items
}

// Failed reports whether Fail has already been called, so the caller (C9)
// can tell a failed stream from a completed one.
func (t *Translator) Failed() bool { return t.failed }

// Done reports whether a terminal event (response.completed or
// response.failed, followed by response.done) has already been emitted.
func (t *Translator) Done() bool { return t.done }

// Fail implements C8's mid-stream error path: response.failed then
// response.done, exactly once.
func (t *Translator) Fail(code, message string) {
	if t.done {
		return
	}
	t.failed = true
	t.done = true
	t.emit(respproto.Event{
		Type: respproto.EventFailed, Seq: t.nextSeq(),
		Response: &respproto.ResponseEnvelope{
			ID: t.requestID, Object: "response", CreatedAt: t.createdAtSec,
			Status: "failed", Model: t.model,
			Error: &respproto.ErrorBody{Code: code, Message: message},
		},
	})
	t.emit(respproto.Event{Type: respproto.EventDone, Seq: t.nextSeq()})
}
