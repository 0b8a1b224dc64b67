package thinktag

import "testing"

func collect(frags []Fragment) (text, think string) {
	for _, f := range frags {
		switch f.Kind {
		case KindText:
			text += f.Text
		case KindThink:
			think += f.Text
		}
	}
	return
}

func TestSplitterPlainText(t *testing.T) {
	var s Splitter
	frags := s.Feed("just some ordinary assistant text")
	text, think := collect(frags)
	if text != "just some ordinary assistant text" || think != "" {
		t.Errorf("text=%q think=%q", text, think)
	}
}

func TestSplitterSingleShot(t *testing.T) {
	var s Splitter
	frags := s.Feed("before <think>deliberation</think> after")
	text, think := collect(frags)
	if text != "before  after" {
		t.Errorf("text = %q", text)
	}
	if think != "deliberation" {
		t.Errorf("think = %q", think)
	}
}

func TestSplitterFragmentedTags(t *testing.T) {
	var s Splitter
	var text, think string
	chunks := []string{"hello <th", "ink>reason", "ing here</th", "ink> world"}
	for _, c := range chunks {
		frags := s.Feed(c)
		tt, kk := collect(frags)
		text += tt
		think += kk
	}
	if text != "hello  world" {
		t.Errorf("text = %q", text)
	}
	if think != "reasoning here" {
		t.Errorf("think = %q", think)
	}
}

func TestSplitterUnterminatedThinkStreamsEagerlyThenFlushIsEmpty(t *testing.T) {
	// With no trailing substring that could still grow into "</think>",
	// the splitter has nothing ambiguous to hold back: the reasoning text
	// streams immediately rather than waiting for Flush.
	var s Splitter
	frags := s.Feed("plain <think>never closes")
	text, think := collect(frags)
	if text != "plain " {
		t.Errorf("text = %q", text)
	}
	if think != "never closes" {
		t.Errorf("think = %q", think)
	}

	flushed := s.Flush()
	if len(flushed) != 0 {
		t.Errorf("expected nothing left to flush, got %+v", flushed)
	}
}

func TestSplitterUnterminatedCloseTagSuffixFlushedOnEnd(t *testing.T) {
	// A trailing "</th" could still grow into "</think>" on a later Feed,
	// so it must be held back — and Flush must surface it as think content
	// rather than silently dropping it once the stream actually ends.
	var s Splitter
	frags := s.Feed("plain <think>partial</th")
	text, think := collect(frags)
	if text != "plain " {
		t.Errorf("text = %q", text)
	}
	if think != "partial" {
		t.Errorf("think = %q", think)
	}

	flushed := s.Flush()
	_, think2 := collect(flushed)
	if think2 != "</th" {
		t.Errorf("flushed think = %q", think2)
	}
}

func TestSplitterConsecutiveFragmentsMerge(t *testing.T) {
	var s Splitter
	frags := s.Feed("a")
	frags = append(frags, s.Feed("b")...)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments across 2 Feed calls, got %d", len(frags))
	}

	var s2 Splitter
	one := s2.Feed("ab")
	if len(one) != 1 {
		t.Fatalf("expected a single merged fragment within one Feed call, got %d", len(one))
	}
}
