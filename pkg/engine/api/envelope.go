package api

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EnvelopeSuccess implements the normative result-envelope rule from
// spec.md §4.2/§8 directly over a raw JSON value, rather than through a
// Go struct: a value is successful iff it has no "error" field and either
// has no "exit_code" field or that field is zero. Implementers must not
// invent other encodings (e.g. an "ok" boolean) — this is the single place
// that rule is evaluated. Its caller is NormalizeToolResult, which the turn
// engine runs on every tool result, so the rule applies to arbitrary
// tool-shaped JSON, including JSON the engine did not itself construct.
func EnvelopeSuccess(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	v := gjson.ParseBytes(raw)
	if v.Get("error").Exists() {
		return false
	}
	if ec := v.Get("exit_code"); ec.Exists() && ec.Int() != 0 {
		return false
	}
	return true
}

// EnvelopeSetError returns raw patched with an "error" field, producing a
// failure envelope. Existing fields are left untouched.
func EnvelopeSetError(raw []byte, message string) []byte {
	out, err := sjson.SetBytes(raw, "error", message)
	if err != nil {
		return []byte(`{"error":` + quoteJSON(message) + `}`)
	}
	return out
}

// EnvelopeMarkTruncated patches a success/failure envelope to flag that its
// content was cut by the dispatcher's per-tool-response cap, per spec.md
// §4.5's ToolResponseTruncated behavior. It never flips success to failure.
func EnvelopeMarkTruncated(raw []byte) []byte {
	out, err := sjson.SetBytes(raw, "truncated", true)
	if err != nil {
		return raw
	}
	return out
}

// NormalizeToolResult is the dispatcher's single call into the envelope
// rule for a ToolResult's structured Data: Status/Error are recomputed
// from EnvelopeSuccess rather than trusted as whatever the tool's Execute
// set by hand, so every tool that returns structured Data is judged by
// the same rule, and everything downstream of dispatch (metrics, hooks,
// the ToolResult event) sees that Status. Tools with no structured Data (Data == nil, e.g. plain text
// results) are left as-is — there is no envelope to evaluate.
func NormalizeToolResult(result ToolResult) ToolResult {
	raw, err := json.Marshal(result.Data)
	if err != nil || result.Data == nil || !gjson.ValidBytes(raw) {
		return result
	}
	if result.Status == "error" && result.Error != "" {
		raw = EnvelopeSetError(raw, result.Error)
	}
	if EnvelopeSuccess(raw) {
		result.Status = "success"
	} else {
		result.Status = "error"
		if result.Error == "" {
			result.Error = gjson.GetBytes(raw, "error").String()
		}
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err == nil {
		result.Data = normalized
	}
	return result
}

// MarkToolResultTruncated appends marker to a tool result's content and,
// for tools with structured Data, flags the envelope truncated per
// spec.md §4.5's per-tool-response cap. It never flips success to
// failure — a truncated result can still be a successful one.
func MarkToolResultTruncated(result ToolResult, marker string) ToolResult {
	result.Content += marker
	raw, err := json.Marshal(result.Data)
	if err != nil || result.Data == nil || !gjson.ValidBytes(raw) {
		return result
	}
	raw = EnvelopeMarkTruncated(raw)
	var data any
	if err := json.Unmarshal(raw, &data); err == nil {
		result.Data = data
	}
	return result
}

func quoteJSON(s string) string {
	out, err := sjson.SetBytes([]byte(`{}`), "m", s)
	if err != nil {
		return `"error"`
	}
	return string(gjson.GetBytes(out, "m").Raw)
}
