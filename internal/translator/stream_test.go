package translator

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func parseFrame(t *testing.T, frame string) gjson.Result {
	t.Helper()
	if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("frame not SSE-framed: %q", frame)
	}
	payload := strings.TrimSpace(strings.TrimPrefix(frame, "data: "))
	if !gjson.Valid(payload) {
		t.Fatalf("frame payload not JSON: %q", payload)
	}
	return gjson.Parse(payload)
}

func feedAll(s *Stream, lines ...string) []string {
	var out []string
	for _, line := range lines {
		out = append(out, s.Feed(line)...)
	}
	return out
}

func TestStreamTextDelta(t *testing.T) {
	s := NewStream("gpt-5.2")
	frames := feedAll(s,
		`data: {"type":"response.output_text.delta","delta":"hi"}`,
		`data: {"type":"response.output_text.delta","delta":" there"}`,
		`data: {"type":"response.completed","response":{"id":"r1"}}`,
	)
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	if frames[3] != "data: [DONE]\n\n" {
		t.Fatalf("terminator = %q", frames[3])
	}

	first := parseFrame(t, frames[0])
	if got := first.Get("object").Str; got != "chat.completion.chunk" {
		t.Fatalf("object = %q", got)
	}
	if !strings.HasPrefix(first.Get("id").Str, "chatcmpl-") {
		t.Fatalf("id = %q", first.Get("id").Str)
	}
	if got := first.Get("model").Str; got != "gpt-5.2" {
		t.Fatalf("model = %q", got)
	}
	if got := first.Get("choices.0.delta.role").Str; got != "assistant" {
		t.Fatalf("first chunk role = %q", got)
	}
	if got := first.Get("choices.0.delta.content").Str; got != "hi" {
		t.Fatalf("content = %q", got)
	}
	if fr := first.Get("choices.0.finish_reason"); fr.Type != gjson.Null {
		t.Fatalf("intermediate finish_reason = %s", fr.Raw)
	}

	second := parseFrame(t, frames[1])
	if second.Get("choices.0.delta.role").Exists() {
		t.Fatal("role should only appear on the first chunk")
	}
	if got := second.Get("id").Str; got != first.Get("id").Str {
		t.Fatal("chunk ids should match across the stream")
	}
	if got := second.Get("created").Int(); got != first.Get("created").Int() {
		t.Fatal("created should match across the stream")
	}

	final := parseFrame(t, frames[2])
	if got := final.Get("choices.0.finish_reason").Str; got != "stop" {
		t.Fatalf("finish_reason = %q", got)
	}
}

func TestStreamToolCallIdentity(t *testing.T) {
	s := NewStream("gpt-5.2")
	frames := feedAll(s,
		`data: {"type":"response.output_tool_call.delta","call_id":"call_1","name":"do_thing","arguments":"{\"a\":1"}`,
		`data: {"type":"response.output_tool_call.delta","call_id":"call_2","name":"do_other","arguments":"{}"}`,
		`data: {"type":"response.output_tool_call.delta","call_id":"call_1","arguments":"}"}`,
		`data: {"type":"response.completed","response":{"id":"r1"}}`,
	)
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}

	first := parseFrame(t, frames[0]).Get("choices.0.delta.tool_calls.0")
	if got := first.Get("index").Int(); got != 0 {
		t.Fatalf("call_1 index = %d", got)
	}
	if got := first.Get("id").Str; got != "call_1" {
		t.Fatalf("id = %q", got)
	}
	if got := first.Get("type").Str; got != "function" {
		t.Fatalf("type = %q", got)
	}
	if got := first.Get("function.name").Str; got != "do_thing" {
		t.Fatalf("name = %q", got)
	}
	if got := first.Get("function.arguments").Str; got != `{"a":1` {
		t.Fatalf("arguments = %q", got)
	}

	second := parseFrame(t, frames[1]).Get("choices.0.delta.tool_calls.0")
	if got := second.Get("index").Int(); got != 1 {
		t.Fatalf("call_2 index = %d", got)
	}

	// Second fragment for call_1 keeps its index and skips the name.
	third := parseFrame(t, frames[2]).Get("choices.0.delta.tool_calls.0")
	if got := third.Get("index").Int(); got != 0 {
		t.Fatalf("call_1 fragment index = %d", got)
	}
	if third.Get("function.name").Exists() {
		t.Fatal("name should only be emitted on first appearance")
	}
	if got := third.Get("function.arguments").Str; got != "}" {
		t.Fatalf("fragment arguments = %q", got)
	}

	final := parseFrame(t, frames[3])
	if got := final.Get("choices.0.finish_reason").Str; got != "tool_calls" {
		t.Fatalf("finish_reason = %q", got)
	}
}

func TestStreamIgnoresNoise(t *testing.T) {
	s := NewStream("gpt-5.2")
	for _, line := range []string{
		"",
		"event: response.output_text.delta",
		": keep-alive",
		"data: [DONE]",
		"data: not json",
		"data: [1,2,3]",
		`data: {"type":"response.ping"}`,
		`data: {"type":"response.output_tool_call.delta","arguments":"no call id"}`,
		`data: {"type":"response.output_text.delta","delta":42}`,
	} {
		if got := s.Feed(line); got != nil {
			t.Fatalf("line %q produced %v", line, got)
		}
	}
}

func TestStreamFinishWithoutCompleted(t *testing.T) {
	s := NewStream("gpt-5.2")
	s.Feed(`data: {"type":"response.output_text.delta","delta":"hi"}`)

	frames := s.Finish()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	final := parseFrame(t, frames[0])
	if got := final.Get("choices.0.finish_reason").Str; got != "stop" {
		t.Fatalf("finish_reason = %q", got)
	}
	if frames[1] != "data: [DONE]\n\n" {
		t.Fatalf("terminator = %q", frames[1])
	}

	if got := s.Finish(); got != nil {
		t.Fatalf("second finish produced %v", got)
	}
	if got := s.Feed(`data: {"type":"response.output_text.delta","delta":"late"}`); got != nil {
		t.Fatalf("feed after finish produced %v", got)
	}
}

func TestCollectChatCompletionMergesArguments(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.output_tool_call.delta","call_id":"call_1","name":"do_thing","arguments":"{\"a\":1"}`,
		"",
		`data: {"type":"response.output_tool_call.delta","call_id":"call_1","arguments":"}"}`,
		"",
		`data: {"type":"response.completed","response":{"id":"r1"}}`,
		"",
	}, "\n")

	result, err := CollectChatCompletion(strings.NewReader(stream), "gpt-5.2")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := result.Object; got != "chat.completion" {
		t.Fatalf("object = %q", got)
	}
	choice := result.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Content != nil {
		t.Fatalf("content = %q, want null", *choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(choice.Message.ToolCalls))
	}
	call := choice.Message.ToolCalls[0]
	if call.ID != "call_1" || call.Type != "function" {
		t.Fatalf("tool call = %+v", call)
	}
	if call.Function.Name != "do_thing" {
		t.Fatalf("name = %q", call.Function.Name)
	}
	if call.Function.Arguments != `{"a":1}` {
		t.Fatalf("arguments = %q", call.Function.Arguments)
	}
}

func TestCollectChatCompletionText(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.output_text.delta","delta":"hello"}`,
		"",
		`data: {"type":"response.output_text.delta","delta":" world"}`,
		"",
		`data: {"type":"response.completed","response":{"id":"r1"}}`,
		"",
	}, "\n")

	result, err := CollectChatCompletion(strings.NewReader(stream), "gpt-5.2")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	choice := result.Choices[0]
	if choice.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Content == nil || *choice.Message.Content != "hello world" {
		t.Fatalf("content = %v", choice.Message.Content)
	}
	if choice.Message.Role != "assistant" {
		t.Fatalf("role = %q", choice.Message.Role)
	}
	if len(choice.Message.ToolCalls) != 0 {
		t.Fatalf("unexpected tool calls: %v", choice.Message.ToolCalls)
	}
}

func TestFormatEvent(t *testing.T) {
	got := FormatEvent(map[string]any{"type": "account.paused", "accountId": "a1"})
	want := "event: account.paused\ndata: {\"accountId\":\"a1\",\"type\":\"account.paused\"}\n\n"
	if got != want {
		t.Fatalf("typed event:\n got %q\nwant %q", got, want)
	}

	got = FormatEvent(map[string]any{"message": "ok"})
	if got != "data: {\"message\":\"ok\"}\n\n" {
		t.Fatalf("untyped event = %q", got)
	}
}

func TestMarshalASCIIEscapes(t *testing.T) {
	data, err := marshalASCII(map[string]any{"text": "héllo 😀 <&>"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// BMP runes become \uXXXX, astral runes a surrogate pair, and HTML
	// characters stay literal.
	want := `{"text":"héllo 😀 <&>"}`
	if string(data) != want {
		t.Fatalf("got %s\nwant %s", data, want)
	}
}
