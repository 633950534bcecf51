package protocol

// Canonical finish_reason values.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Anthropic stop_reason values.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
	StopRefusal      = "refusal"
)

// StopToFinish maps an Anthropic stop_reason to the canonical finish_reason.
// Unknown values collapse to "stop".
func StopToFinish(stop string) string {
	switch stop {
	case "":
		return ""
	case StopEndTurn, StopStopSequence:
		return FinishStop
	case StopMaxTokens:
		return FinishLength
	case StopToolUse:
		return FinishToolCalls
	case StopRefusal, FinishContentFilter:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// FinishToStop maps a canonical finish_reason back to an Anthropic
// stop_reason. Unknown values collapse to "end_turn".
func FinishToStop(finish string) string {
	switch finish {
	case "":
		return ""
	case FinishStop:
		return StopEndTurn
	case FinishLength:
		return StopMaxTokens
	case FinishToolCalls:
		return StopToolUse
	case FinishContentFilter:
		return FinishContentFilter
	default:
		return StopEndTurn
	}
}
