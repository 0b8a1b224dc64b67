// Package xmltool implements the XML tool-call extractor (C6): it detects
// assistant-text tool invocations written as <function=name>ARGS</function>
// and rewrites them into structured calls the stream translator can emit as
// native tool-call events, grounded on original_source's
// src/utils/xml_tool_parser.rs.
package xmltool

import "strings"

// Call is one extracted tool invocation: a function name plus its JSON
// arguments string.
type Call struct {
	Name      string
	Arguments string
}

const openPrefix = "<function="
const closeTag = "</function>"

// ContainsMarker is the cheap pre-check adopted from original_source's
// contains_xml_tool_call: a whole-marker substring scan useful to callers
// deciding whether a block of already-final text needs extraction at all.
// The Extractor itself does not use this as a gate, since a marker split
// across two Feed calls contains no complete substring to find.
func ContainsMarker(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "<function=") ||
		strings.Contains(lower, "</function>") ||
		strings.Contains(lower, "<parameter=")
}

// Extractor is a streaming, buffering scanner: it accumulates text across
// many small upstream deltas and, once a complete <function=...>...</function>
// block is seen, emits the visible text before it plus the parsed Call. Text
// that is plainly not part of a tool-call marker streams straight through;
// a partial marker (including one split across Feed calls, such as
// "<func" | "tion=name>...") is held back until either it completes or the
// stream ends, in which case Flush returns it as ordinary text — an
// unterminated marker is not a tool call.
type Extractor struct {
	buf strings.Builder
}

// Feed appends a delta fragment. It returns the text that is now safe to
// stream to the client (never containing any partial or complete marker)
// and any tool calls that completed as a result of this fragment, in order.
func (e *Extractor) Feed(delta string) (safeText string, calls []Call) {
	e.buf.WriteString(delta)
	return e.drain(false)
}

// Flush is called at stream end: any buffered text that never completed a
// marker is returned as plain text (never silently dropped).
func (e *Extractor) Flush() (safeText string, calls []Call) {
	return e.drain(true)
}

// drain extracts every complete <function=...>...</function> block from the
// buffer, returning the leading safe text and the calls found. A trailing
// partial marker (or a tail that might still grow into one) stays buffered
// for the next Feed, unless final is true, in which case it is flushed as
// plain text instead.
func (e *Extractor) drain(final bool) (string, []Call) {
	text := e.buf.String()
	e.buf.Reset()

	var out strings.Builder
	var calls []Call

	rest := text
	for {
		openIdx := indexFold(rest, openPrefix)
		if openIdx < 0 {
			if !final {
				if p := partialSuffixLen(rest, openPrefix); p > 0 {
					out.WriteString(rest[:len(rest)-p])
					e.buf.WriteString(rest[len(rest)-p:])
					return out.String(), calls
				}
			}
			out.WriteString(rest)
			rest = ""
			break
		}
		out.WriteString(rest[:openIdx])
		afterOpen := rest[openIdx+len(openPrefix):]

		nameEnd := strings.IndexByte(afterOpen, '>')
		if nameEnd < 0 {
			// Marker not yet complete: hold the marker (and everything
			// after it) back in the buffer for the next Feed.
			if !final {
				e.buf.WriteString(rest[openIdx:])
				return out.String(), calls
			}
			// Stream ended mid-marker: it will never complete; surface it
			// as plain text rather than silently dropping it.
			out.WriteString(rest[openIdx:])
			rest = ""
			break
		}
		name := afterOpen[:nameEnd]
		body := afterOpen[nameEnd+1:]

		closeIdx := strings.Index(body, closeTag)
		if closeIdx < 0 {
			if !final {
				e.buf.WriteString(rest[openIdx:])
				return out.String(), calls
			}
			out.WriteString(rest[openIdx:])
			rest = ""
			break
		}

		content := body[:closeIdx]
		args := parseArguments(content)
		calls = append(calls, Call{Name: strings.TrimSpace(name), Arguments: args})

		rest = body[closeIdx+len(closeTag):]
	}

	return out.String(), calls
}

// parseArguments resolves a tool-call block's body into a JSON arguments
// string. §8 worked example 5's body is a bare JSON object; the original's
// <parameter=key>value</parameter> convention is also supported as an
// enrichment (§12) for models that emit that shape instead.
func parseArguments(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	if !strings.Contains(trimmed, "<parameter=") {
		if trimmed == "" {
			return "{}"
		}
		return trimmed
	}
	return parseParameterTags(trimmed)
}

// parseParameterTags renders a sequence of <parameter=key>value</parameter>
// blocks into a JSON object string, in declaration order.
func parseParameterTags(content string) string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	rest := content
	for {
		idx := strings.Index(rest, "<parameter=")
		if idx < 0 {
			break
		}
		rest = rest[idx+len("<parameter="):]
		nameEnd := strings.IndexByte(rest, '>')
		if nameEnd < 0 {
			break
		}
		name := rest[:nameEnd]
		rest = rest[nameEnd+1:]
		valEnd := strings.Index(rest, "</parameter>")
		if valEnd < 0 {
			break
		}
		value := strings.TrimSpace(rest[:valEnd])
		rest = rest[valEnd+len("</parameter>"):]

		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(jsonString(name))
		sb.WriteByte(':')
		sb.WriteString(jsonString(value))
	}
	sb.WriteByte('}')
	return sb.String()
}

func jsonString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func indexFold(s, sub string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(sub))
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
