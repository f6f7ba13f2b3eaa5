package format

import (
	"strings"
)

// Delimiter separates SSE events.
const Delimiter = "\n\n"

// DoneSentinel is the data payload that ends a Chat Completions stream.
const DoneSentinel = "[DONE]"

// Event is one parsed SSE event.
type Event struct {
	Name string
	Data string
}

// ParseEvent splits a raw event into its event name and data payload.
// Multiple data lines are joined with newlines; comments and unknown fields
// are ignored.
func ParseEvent(raw string) Event {
	var ev Event
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	ev.Data = strings.Join(data, "\n")
	return ev
}

// NamedEvent renders an event with a name line and one data line.
func NamedEvent(name string, data []byte) string {
	return "event: " + name + "\ndata: " + string(data)
}

// DataEvent renders an event with a single data line.
func DataEvent(data []byte) string {
	return "data: " + string(data)
}
