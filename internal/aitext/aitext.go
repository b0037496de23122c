// Package aitext extracts the prompt-bearing text from AI request and
// response payloads without binding to one provider's JSON shape.
package aitext

import (
	"strings"

	"github.com/tidwall/gjson"
)

// FromJSON gathers the human-readable text from a chat payload. The key
// set covers the OpenAI and Anthropic message shapes, the Gemini
// contents/parts shape, and bare prompt/input payloads. Unrecognized or
// non-JSON payloads yield "".
func FromJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	collect(gjson.ParseBytes(data), &sb)
	return strings.TrimSpace(sb.String())
}

func collect(r gjson.Result, sb *strings.Builder) {
	switch {
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			switch k.Str {
			case "content", "text", "prompt", "input", "system":
				if v.Type == gjson.String {
					sb.WriteString(v.Str)
					sb.WriteByte(' ')
				} else {
					collect(v, sb)
				}
			default:
				if v.IsObject() || v.IsArray() {
					collect(v, sb)
				}
			}
			return true
		})
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			collect(v, sb)
			return true
		})
	}
}
