package serialmux

import "strings"

const (
	EventTypeLog     = "log"
	EventTypeParam   = "param"
	EventTypeConsole = "console"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload returns a coarse event type for an inbound line. It is used
// to label the tail stream; the vehicle link does its own parsing.
func ClassifyPayload(payload string) string {
	word, _, _ := strings.Cut(strings.TrimSpace(payload), " ")
	switch word {
	case "log":
		return EventTypeLog
	case "param":
		return EventTypeParam
	case "console":
		return EventTypeConsole
	default:
		return EventTypeUnknown
	}
}
