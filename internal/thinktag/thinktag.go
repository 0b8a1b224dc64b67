// Package thinktag splits an incremental text stream around <think>...</think>
// envelopes, the convention §9 "Reasoning representation" describes as shared
// with the upstream model family: text inside the envelope is reasoning, text
// outside it is ordinary assistant output. It is fed the same way
// internal/xmltool's Extractor is, because both solve the same "don't leak a
// partial marker" problem on a chunked delta stream.
package thinktag

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// Kind discriminates a Fragment as ordinary text or reasoning content.
type Kind int

const (
	KindText Kind = iota
	KindThink
)

// Fragment is one contiguous run of text of a single Kind, in stream order.
type Fragment struct {
	Kind Kind
	Text string
}

// Splitter holds the buffering state across many Feed calls.
type Splitter struct {
	buf     strings.Builder
	inThink bool
}

// Feed appends delta and returns every Fragment that is now safe to emit,
// holding back a trailing partial <think> or </think> marker for the next
// call.
func (s *Splitter) Feed(delta string) []Fragment {
	return s.drain(delta, false)
}

// Flush is called at stream end: a held-back partial marker is emitted as
// plain content of whatever kind was in progress, never silently dropped.
func (s *Splitter) Flush() []Fragment {
	return s.drain("", true)
}

func (s *Splitter) drain(delta string, final bool) []Fragment {
	s.buf.WriteString(delta)
	text := s.buf.String()
	s.buf.Reset()

	var frags []Fragment
	rest := text
	for {
		if !s.inThink {
			idx := strings.Index(rest, openTag)
			if idx < 0 {
				if !final {
					if p := partialSuffixLen(rest, openTag); p > 0 {
						frags = appendFrag(frags, KindText, rest[:len(rest)-p])
						s.buf.WriteString(rest[len(rest)-p:])
						return frags
					}
				}
				frags = appendFrag(frags, KindText, rest)
				return frags
			}
			frags = appendFrag(frags, KindText, rest[:idx])
			rest = rest[idx+len(openTag):]
			s.inThink = true
			continue
		}

		idx := strings.Index(rest, closeTag)
		if idx < 0 {
			if !final {
				if p := partialSuffixLen(rest, closeTag); p > 0 {
					frags = appendFrag(frags, KindThink, rest[:len(rest)-p])
					s.buf.WriteString(rest[len(rest)-p:])
					return frags
				}
			}
			frags = appendFrag(frags, KindThink, rest)
			return frags
		}
		frags = appendFrag(frags, KindThink, rest[:idx])
		rest = rest[idx+len(closeTag):]
		s.inThink = false
	}
}

// appendFrag merges a new run into the last Fragment when it shares the same
// Kind, keeping the event count down to one Fragment per actual transition.
func appendFrag(frags []Fragment, k Kind, text string) []Fragment {
	if text == "" {
		return frags
	}
	if n := len(frags); n > 0 && frags[n-1].Kind == k {
		frags[n-1].Text += text
		return frags
	}
	return append(frags, Fragment{Kind: k, Text: text})
}

// partialSuffixLen returns the length of the longest suffix of s that is
// also a strict prefix of tag, i.e. the part of s that might still grow into
// tag on the next Feed. Returns 0 if s's tail cannot be a partial tag.
func partialSuffixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}
