package proxy

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	errInvalidJSON  = errors.New("request body is not valid JSON")
	errMissingModel = errors.New("request body has no model")
)

// Payload is the part of a completion request the gateway reads. Raw is
// forwarded as is, except for the usage option on streams.
type Payload struct {
	Model     string
	Stream    bool
	Prompt    string
	MaxTokens int64
	Raw       []byte
}

// promptFields are checked in order; the first present one is the prompt.
var promptFields = []string{"messages", "input", "prompt"}

// maxTokenFields name the caller's output cap across API flavours.
var maxTokenFields = []string{"max_tokens", "max_output_tokens", "max_completion_tokens"}

func parsePayload(body []byte) (*Payload, error) {
	if !gjson.ValidBytes(body) {
		return nil, errInvalidJSON
	}
	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.Str == "" {
		return nil, errMissingModel
	}

	p := &Payload{
		Model:  model.Str,
		Stream: gjson.GetBytes(body, "stream").Bool(),
		Raw:    body,
	}
	for _, field := range promptFields {
		v := gjson.GetBytes(body, field)
		if !v.Exists() {
			continue
		}
		p.Prompt = normalizePrompt(v)
		break
	}
	for _, field := range maxTokenFields {
		v := gjson.GetBytes(body, field)
		if v.Type == gjson.Number && v.Int() > 0 {
			p.MaxTokens = v.Int()
			break
		}
	}
	return p, nil
}

// normalizePrompt renders the prompt the same way regardless of the
// client's whitespace, so identical prompts hash identically.
func normalizePrompt(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Str
	}
	return gjson.Get(v.Raw, "@ugly").Raw
}

// outboundBody asks the provider for a trailing usage frame on streamed
// chat and legacy completion requests. The responses API always reports
// usage in its completion event.
func (p *Payload) outboundBody() ([]byte, error) {
	if !p.Stream {
		return p.Raw, nil
	}
	if !gjson.GetBytes(p.Raw, "messages").Exists() && !gjson.GetBytes(p.Raw, "prompt").Exists() {
		return p.Raw, nil
	}
	out, err := sjson.SetBytes(p.Raw, "stream_options.include_usage", true)
	if err != nil {
		return nil, fmt.Errorf("setting stream usage option: %w", err)
	}
	return out, nil
}
