package proxy

import (
	"github.com/tidwall/gjson"

	"github.com/alecgard/tollgate/internal/enforce"
)

// usagePaths are the places providers put token counts: top level for chat
// and completions, under response for responses-API events, under message
// for message-start events.
var usagePaths = []string{"usage", "response.usage", "message.usage"}

// usageDelta is what one JSON document says about usage. Fields a provider
// omitted are left unset so stream frames can be merged.
type usageDelta struct {
	prompt, completion       int64
	hasPrompt, hasCompletion bool
}

func readUsage(doc []byte) usageDelta {
	var d usageDelta
	for _, path := range usagePaths {
		u := gjson.GetBytes(doc, path)
		if !u.IsObject() {
			continue
		}
		if v := firstNumber(u, "prompt_tokens", "input_tokens"); v.Exists() {
			d.prompt, d.hasPrompt = v.Int(), true
		}
		if v := firstNumber(u, "completion_tokens", "output_tokens"); v.Exists() {
			d.completion, d.hasCompletion = v.Int(), true
		}
		if d.hasPrompt || d.hasCompletion {
			return d
		}
	}
	return d
}

func firstNumber(obj gjson.Result, fields ...string) gjson.Result {
	for _, f := range fields {
		if v := obj.Get(f); v.Type == gjson.Number {
			return v
		}
	}
	return gjson.Result{}
}

func (d usageDelta) apply(u *enforce.Usage) {
	if d.hasPrompt {
		u.PromptTokens = d.prompt
		u.Reported = true
	}
	if d.hasCompletion {
		u.CompletionTokens = d.completion
		u.Reported = true
	}
}

// parseUsage extracts usage from a complete response body.
func parseUsage(body []byte) enforce.Usage {
	var u enforce.Usage
	if gjson.ValidBytes(body) {
		readUsage(body).apply(&u)
	}
	return u
}
