package respproto

import (
	"encoding/json"
	"fmt"
)

// InputItem is one element of a Request's input array. Type discriminates the
// tagged union; fields irrelevant to a given Type are left zero.
//
//	message               { role, content, tool_call_id?, name? }
//	function_call         { call_id, name, arguments } (legacy tool invocation)
//	function_call_output  { call_id, output }           (legacy tool result)
//	reasoning             { text?, encrypted_content? }
//	item_reference        { id }
type InputItem struct {
	Type             string        `json:"type"`
	Role             string        `json:"role,omitempty"`
	Content          json.RawMessage `json:"content,omitempty"`
	ToolCallID       string        `json:"tool_call_id,omitempty"`
	Name             string        `json:"name,omitempty"`
	CallID           string        `json:"call_id,omitempty"`
	Arguments        string        `json:"arguments,omitempty"`
	Output           string        `json:"output,omitempty"`
	Text             string        `json:"text,omitempty"`
	EncryptedContent string        `json:"encrypted_content,omitempty"`
	ID               string        `json:"id,omitempty"`
}

// ContentPart is one element of a message's content array when content is not
// a bare string.
//
//	input_text / output_text  { text }
//	input_image                { image_url: { url, detail? } }
//	input_file                  rejected at validation time
//	reasoning                    { text }
//	tool_output                  { content_type, body }
//	refusal                      { refusal }
type ContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ImageURL    *ImageURLPart `json:"image_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
	Refusal     string `json:"refusal,omitempty"`
}

// ImageURLPart carries an input_image's URL and optional detail hint.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ParseInput resolves Request.Input into either a bare string (StringInput
// non-empty, Items nil) or an ordered item array (Items non-nil).
func ParseInput(raw json.RawMessage) (stringInput string, items []InputItem, err error) {
	trimmed := trimSpaceBytes(raw)
	if len(trimmed) == 0 {
		return "", nil, nil
	}
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &stringInput); err != nil {
			return "", nil, fmt.Errorf("input: invalid string literal: %w", err)
		}
		return stringInput, nil, nil
	}
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return "", nil, fmt.Errorf("input: expected a string or an array of items: %w", err)
	}
	return "", items, nil
}

// ParseContent resolves a message item's Content into either plain text
// (collapsed from a bare string) or a content-part array.
func ParseContent(raw json.RawMessage) (text string, parts []ContentPart, isPlainText bool, err error) {
	trimmed := trimSpaceBytes(raw)
	if len(trimmed) == 0 {
		return "", nil, true, nil
	}
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", nil, false, fmt.Errorf("content: invalid string literal: %w", err)
		}
		return text, nil, true, nil
	}
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return "", nil, false, fmt.Errorf("content: expected a string or an array of parts: %w", err)
	}
	return "", parts, false, nil
}

func trimSpaceBytes(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isSpaceByte(b[i]) {
		i++
	}
	for j > i && isSpaceByte(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
