package translator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const doneFrame = "data: [DONE]\n\n"

// Chunk is one chat-completion stream chunk.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role      string         `json:"role,omitempty"`
	Content   *string        `json:"content,omitempty"`
	ToolCalls []ToolCallEdit `json:"tool_calls,omitempty"`
}

// ToolCallEdit is the incremental form: index pins the call's position,
// name appears once, arguments carry a raw fragment to concatenate.
type ToolCallEdit struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Completion is the aggregated, non-streaming chat-completion object.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type CompletionMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Stream translates Responses SSE events into chat-completion chunks, one
// SSE line at a time. Tool calls keep their identity: each call_id gets the
// index of its first appearance, its name is emitted once, and argument
// fragments pass through verbatim for the client to concatenate.
type Stream struct {
	id      string
	model   string
	created int64

	order    []string
	index    map[string]int
	named    map[string]bool
	sentRole bool
	done     bool
}

func NewStream(model string) *Stream {
	return &Stream{
		id:      "chatcmpl-" + uuid.New().String(),
		model:   model,
		created: time.Now().Unix(),
		index:   make(map[string]int),
		named:   make(map[string]bool),
	}
}

// Feed consumes one SSE line from the upstream stream and returns zero or
// more SSE-framed chat-completion chunks to forward downstream.
func (s *Stream) Feed(line string) []string {
	payload, ok := parseDataLine(line)
	if !ok || s.done {
		return nil
	}
	switch payload.Get("type").Str {
	case "response.output_text.delta":
		delta := payload.Get("delta")
		if delta.Type != gjson.String {
			return nil
		}
		text := delta.Str
		return []string{s.frame(Delta{Content: &text}, nil)}
	case "response.output_tool_call.delta":
		edit, ok := s.toolCallEdit(payload)
		if !ok {
			return nil
		}
		return []string{s.frame(Delta{ToolCalls: []ToolCallEdit{edit}}, nil)}
	case "response.completed":
		return s.finish()
	}
	return nil
}

// Finish closes out a stream whose upstream ended without a
// response.completed event. It is a no-op after normal completion.
func (s *Stream) Finish() []string {
	if s.done {
		return nil
	}
	return s.finish()
}

func (s *Stream) finish() []string {
	s.done = true
	reason := "stop"
	if len(s.order) > 0 {
		reason = "tool_calls"
	}
	return []string{s.frame(Delta{}, &reason), doneFrame}
}

func (s *Stream) toolCallEdit(payload gjson.Result) (ToolCallEdit, bool) {
	callID := payload.Get("call_id").Str
	if callID == "" {
		return ToolCallEdit{}, false
	}
	idx, seen := s.index[callID]
	if !seen {
		idx = len(s.order)
		s.index[callID] = idx
		s.order = append(s.order, callID)
	}
	edit := ToolCallEdit{
		Index: idx,
		ID:    callID,
		Type:  "function",
	}
	if name := payload.Get("name"); name.Type == gjson.String && name.Str != "" && !s.named[callID] {
		s.named[callID] = true
		edit.Function.Name = name.Str
	}
	if args := payload.Get("arguments"); args.Type == gjson.String {
		edit.Function.Arguments = args.Str
	}
	return edit, true
}

func (s *Stream) frame(delta Delta, finish *string) string {
	if !s.sentRole && finish == nil {
		s.sentRole = true
		delta.Role = "assistant"
	}
	chunk := Chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
	data, _ := marshalASCII(chunk)
	return "data: " + string(data) + "\n\n"
}

// CollectChatCompletion drains an upstream Responses SSE stream and returns
// the aggregated chat-completion object. Argument fragments for each call_id
// concatenate in event order.
func CollectChatCompletion(r io.Reader, model string) (*Completion, error) {
	var (
		content strings.Builder
		order   []string
		names   = make(map[string]string)
		args    = make(map[string]*strings.Builder)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		payload, ok := parseDataLine(scanner.Text())
		if !ok {
			continue
		}
		switch payload.Get("type").Str {
		case "response.output_text.delta":
			if delta := payload.Get("delta"); delta.Type == gjson.String {
				content.WriteString(delta.Str)
			}
		case "response.output_tool_call.delta":
			callID := payload.Get("call_id").Str
			if callID == "" {
				continue
			}
			buf, seen := args[callID]
			if !seen {
				buf = &strings.Builder{}
				args[callID] = buf
				order = append(order, callID)
			}
			if name := payload.Get("name"); name.Type == gjson.String && name.Str != "" && names[callID] == "" {
				names[callID] = name.Str
			}
			if a := payload.Get("arguments"); a.Type == gjson.String {
				buf.WriteString(a.Str)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	message := CompletionMessage{Role: "assistant"}
	for _, callID := range order {
		message.ToolCalls = append(message.ToolCalls, ToolCall{
			ID:   callID,
			Type: "function",
			Function: FunctionCall{
				Name:      names[callID],
				Arguments: args[callID].String(),
			},
		})
	}
	reason := "stop"
	if len(order) > 0 {
		reason = "tool_calls"
	}
	text := content.String()
	if text != "" || len(order) == 0 {
		message.Content = &text
	}
	return &Completion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []CompletionChoice{{Message: message, FinishReason: reason}},
	}, nil
}

// parseDataLine extracts the JSON payload from an SSE data line. Non-data
// lines, the [DONE] sentinel, and malformed payloads read as absent.
func parseDataLine(line string) (gjson.Result, bool) {
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return gjson.Result{}, false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" || rest == "[DONE]" || !gjson.Valid(rest) {
		return gjson.Result{}, false
	}
	payload := gjson.Parse(rest)
	if !payload.IsObject() {
		return gjson.Result{}, false
	}
	return payload, true
}

// FormatEvent frames a payload as an SSE event. Payloads carrying a
// non-empty string "type" member get an event line; the rest are data-only.
func FormatEvent(v any) string {
	data, _ := marshalASCII(v)
	if t := gjson.GetBytes(data, "type"); t.Type == gjson.String && t.Str != "" {
		return "event: " + t.Str + "\ndata: " + string(data) + "\n\n"
	}
	return "data: " + string(data) + "\n\n"
}

// marshalASCII renders compact JSON with every non-ASCII rune escaped, the
// way downstream SSE consumers expect.
func marshalASCII(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return escapeNonASCII(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// escapeNonASCII rewrites non-ASCII runes as \uXXXX escapes. JSON encoding
// confines non-ASCII bytes to string literals, so a whole-document pass is
// safe.
func escapeNonASCII(data []byte) []byte {
	if isASCII(data) {
		return data
	}
	var out bytes.Buffer
	out.Grow(len(data) + 16)
	for i := 0; i < len(data); {
		b := data[i]
		if b < utf8.RuneSelf {
			out.WriteByte(b)
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			writeEscape(&out, hi)
			writeEscape(&out, lo)
			continue
		}
		writeEscape(&out, r)
	}
	return out.Bytes()
}

func writeEscape(out *bytes.Buffer, r rune) {
	const hex = "0123456789abcdef"
	out.WriteString(`\u`)
	out.WriteByte(hex[r>>12&0xf])
	out.WriteByte(hex[r>>8&0xf])
	out.WriteByte(hex[r>>4&0xf])
	out.WriteByte(hex[r&0xf])
}

func isASCII(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
