package upstream

import (
	"github.com/tidwall/gjson"
)

// TokenUsage is the normalized usage triple reported by an upstream.
// TotalTokens is passed through exactly as reported and never recomputed
// from the other two fields, so a disagreeing upstream total stays visible.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// UsageState distinguishes a reported usage object from its absence and from
// a payload that carries a "usage" field of the wrong shape.
type UsageState int

const (
	UsageAbsent UsageState = iota
	UsagePresent
	UsageMalformed
)

// UsageReport is the result of extracting usage from an upstream payload.
type UsageReport struct {
	State UsageState
	Usage TokenUsage
}

// ExtractUsage reads the "usage" object from a chat-completion JSON payload
// (a whole response body or a single SSE data payload).
func ExtractUsage(payload []byte) UsageReport {
	u := gjson.GetBytes(payload, "usage")
	if !u.Exists() || u.Type == gjson.Null {
		return UsageReport{State: UsageAbsent}
	}
	if !u.IsObject() {
		return UsageReport{State: UsageMalformed}
	}
	return UsageReport{
		State: UsagePresent,
		Usage: TokenUsage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		},
	}
}
