package resolver

import (
	"fmt"
	"regexp"
	"strconv"
)

// feedbackPattern extracts (type, offset, hint) from the peer's diagnostic.
// Surrounding text is ignored.
var feedbackPattern = regexp.MustCompile(`\[type=(\d+)\]\s*\[offset=(\d+)\]\s*\[hint=([A-Za-z0-9_]+)\]`)

// FeedbackEvent is one parsed peer diagnostic.
type FeedbackEvent struct {
	OpCode uint16 `json:"opcode"`
	Offset int    `json:"offset"`
	Hint   string `json:"hint"`
}

// ParseFeedback extracts a FeedbackEvent from unstructured diagnostic text.
func ParseFeedback(text string) (FeedbackEvent, error) {
	m := feedbackPattern.FindStringSubmatch(text)
	if m == nil {
		return FeedbackEvent{}, fmt.Errorf("%w: %q", ErrMalformedFeedback, text)
	}

	op, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil {
		return FeedbackEvent{}, fmt.Errorf("%w: type %s: %v", ErrMalformedFeedback, m[1], err)
	}
	offset, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return FeedbackEvent{}, fmt.Errorf("%w: offset %s: %v", ErrMalformedFeedback, m[2], err)
	}

	return FeedbackEvent{
		OpCode: uint16(op),
		Offset: int(offset),
		Hint:   m[3],
	}, nil
}

// FormatFeedback renders an event in the peer's diagnostic format.
func FormatFeedback(ev FeedbackEvent) string {
	return fmt.Sprintf("[type=%d][offset=%d][hint=%s]", ev.OpCode, ev.Offset, ev.Hint)
}
