// Package translator converts OpenAI chat-completion traffic to and from
// the upstream Responses wire format: request bodies are coerced into the
// Responses envelope, and streamed Responses events are reassembled into
// chat-completion chunks.
package translator

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestError describes a request body the translator refuses to coerce.
// Handlers surface it to the client as a 400.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func badRequest(msg string) error { return &RequestError{Message: msg} }

// CoerceRequest validates an inbound request body and rewrites it into the
// Responses envelope. Chat-completion style bodies carry `messages`, which
// are folded into `input` and `instructions`; Responses-style bodies pass
// through. Unknown fields survive untouched. The returned body is what goes
// upstream.
func CoerceRequest(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, badRequest("request body must be a JSON object")
	}

	out := body
	if gjson.GetBytes(body, "messages").Exists() {
		var err error
		out, err = foldMessages(out)
		if err != nil {
			return nil, err
		}
	}

	model := gjson.GetBytes(out, "model")
	if model.Type != gjson.String || model.Str == "" {
		return nil, badRequest("'model' must be a non-empty string")
	}
	if store := gjson.GetBytes(out, "store"); store.Type == gjson.True {
		return nil, badRequest("store must be false")
	}

	// The upstream Responses endpoint rejects caps it did not negotiate.
	out, _ = sjson.DeleteBytes(out, "max_output_tokens")
	return out, nil
}

// foldMessages moves chat-completion `messages` into the Responses fields:
// system and developer content joins `instructions`, everything else lands
// in `input` in its original order and shape.
func foldMessages(body []byte) ([]byte, error) {
	if input := gjson.GetBytes(body, "input"); input.Exists() {
		empty := input.Type == gjson.Null || (input.IsArray() && len(input.Array()) == 0)
		if !empty {
			return nil, badRequest("Provide either 'input' or 'messages', not both.")
		}
	}
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return nil, badRequest("'messages' must be a list.")
	}

	var instructionParts []string
	var inputItems []string
	var itemErr error
	messages.ForEach(func(_, message gjson.Result) bool {
		if !message.IsObject() {
			itemErr = badRequest("Each message must be an object.")
			return false
		}
		role := message.Get("role")
		if role.Type == gjson.String && (role.Str == "system" || role.Str == "developer") {
			if text := contentToText(message.Get("content")); text != "" {
				instructionParts = append(instructionParts, text)
			}
			return true
		}
		inputItems = append(inputItems, message.Raw)
		return true
	})
	if itemErr != nil {
		return nil, itemErr
	}

	out, _ := sjson.DeleteBytes(body, "messages")
	out, _ = sjson.SetRawBytes(out, "input", []byte("["+strings.Join(inputItems, ",")+"]"))

	extracted := strings.Join(instructionParts, "\n")
	if existing := gjson.GetBytes(out, "instructions"); existing.Type == gjson.String && existing.Str != "" {
		if extracted != "" {
			out, _ = sjson.SetBytes(out, "instructions", existing.Str+"\n"+extracted)
		}
	} else {
		out, _ = sjson.SetBytes(out, "instructions", extracted)
	}
	return out, nil
}

// contentToText flattens a message content value to plain text. Content may
// be a string, a list of strings and {text} parts, or a single {text}
// object; anything else reads as empty.
func contentToText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Type == gjson.String:
				if part.Str != "" {
					parts = append(parts, part.Str)
				}
			case part.IsObject():
				if text := part.Get("text"); text.Type == gjson.String && text.Str != "" {
					parts = append(parts, text.Str)
				}
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.IsObject():
		if text := content.Get("text"); text.Type == gjson.String {
			return text.Str
		}
	}
	return ""
}
