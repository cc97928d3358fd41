package serialmux

import "strings"

const (
	EventTypeEEG        = "eeg"
	EventTypePPG        = "ppg"
	EventTypeACC        = "acc"
	EventTypeExpression = "expr"
	EventTypeComment    = "comment"
	EventTypeUnknown    = "unknown"
)

// KnownKind reports whether k is a kind ClassifyPayload can return.
func KnownKind(k string) bool {
	switch k {
	case EventTypeEEG, EventTypePPG, EventTypeACC, EventTypeExpression, EventTypeComment, EventTypeUnknown:
		return true
	}
	return false
}

// ClassifyPayload inspects a line from the bridge and returns its kind
// token. Only the leading field is examined; the values are validated by
// the ingest line parser.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "#") {
		return EventTypeComment
	}
	kind, _, found := strings.Cut(payload, ",")
	if !found {
		return EventTypeUnknown
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "eeg":
		return EventTypeEEG
	case "ppg":
		return EventTypePPG
	case "acc":
		return EventTypeACC
	case "expr", "expression":
		return EventTypeExpression
	}
	return EventTypeUnknown
}
