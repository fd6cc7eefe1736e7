// Package events defines the normalized agent event and its wire form.
package events

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Category is the coarse classification of an event.
type Category string

const (
	CategoryAction      Category = "action"
	CategoryObservation Category = "observation"
	CategoryError       Category = "error"
	CategoryState       Category = "state"
	// CategoryTaskStart marks the server-generated event sent before each run.
	CategoryTaskStart Category = "task_start"
)

// Persistable reports whether events of this category are written to the
// transcript.
func (c Category) Persistable() bool {
	switch c {
	case CategoryAction, CategoryObservation, CategoryError:
		return true
	default:
		return false
	}
}

// Event is one normalized unit of agent activity. Events are treated as
// immutable once emitted.
type Event struct {
	Category  Category
	Type      string
	Content   string
	Command   string
	ExitCode  *int
	Path      string
	Thought   string
	Timestamp time.Time
}

// Limits bounds the size of textual event fields.
type Limits struct {
	ContentMaxChars int
	ThoughtMaxChars int
}

// DefaultLimits matches the sizes clients are built against.
var DefaultLimits = Limits{ContentMaxChars: 2000, ThoughtMaxChars: 1000}

// Categorize derives a category from an event type name such as
// "CmdRunAction" or "AgentErrorEvent".
func Categorize(eventType string) Category {
	switch {
	case strings.Contains(eventType, "Action"):
		return CategoryAction
	case strings.Contains(eventType, "Error"):
		return CategoryError
	case strings.Contains(eventType, "State"), strings.Contains(eventType, "Update"):
		return CategoryState
	default:
		return CategoryObservation
	}
}

// Normalize fills in a missing category and timestamp and truncates content
// and thought to the given limits.
func Normalize(ev Event, limits Limits) Event {
	if ev.Category == "" {
		ev.Category = Categorize(ev.Type)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Content = Truncate(ev.Content, limits.ContentMaxChars)
	ev.Thought = Truncate(ev.Thought, limits.ThoughtMaxChars)
	return ev
}

// Truncate shortens s to at most max characters without splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// Message is the agent_event frame sent to clients.
type Message struct {
	Type      string   `json:"type"`
	Event     Category `json:"event"`
	EventType string   `json:"eventType,omitempty"`
	Content   string   `json:"content"`
	Command   string   `json:"command,omitempty"`
	ExitCode  *int     `json:"exitCode,omitempty"`
	Path      string   `json:"path,omitempty"`
	Thought   string   `json:"thought,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Wire converts the event into its client frame.
func (e Event) Wire() Message {
	return Message{
		Type:      "agent_event",
		Event:     e.Category,
		EventType: e.Type,
		Content:   e.Content,
		Command:   e.Command,
		ExitCode:  e.ExitCode,
		Path:      e.Path,
		Thought:   e.Thought,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Metadata returns the optional structured fields for transcript storage, or
// nil when the event carries none.
func (e Event) Metadata() map[string]any {
	meta := map[string]any{}
	if e.Command != "" {
		meta["command"] = e.Command
	}
	if e.ExitCode != nil {
		meta["exitCode"] = *e.ExitCode
	}
	if e.Path != "" {
		meta["path"] = e.Path
	}
	if e.Thought != "" {
		meta["thought"] = e.Thought
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// IntPtr is a convenience for building events with an exit code.
func IntPtr(v int) *int {
	return &v
}
