// Package snapshot models UI snapshots produced by the external
// UI-scanning agent and detects selector-level changes between them.
//
// A snapshot is a structured list of page elements. The engine treats
// snapshots as opaque prompt input except for change detection: a selector
// present in the last known snapshot but missing from the current one is
// evidence of a UI-driven test failure.
package snapshot

import "time"

// Element is a single UI element reported by the scanning agent.
type Element struct {
	// Selector is the CSS selector identifying the element.
	Selector string `json:"selector"`

	// Type is the element type (e.g. "button", "input").
	Type string `json:"type"`

	// Text is the visible text content, if any.
	Text string `json:"text,omitempty"`
}

// Snapshot is one capture of a page's UI structure.
type Snapshot struct {
	// Tenant owns this snapshot.
	Tenant string `json:"tenant"`

	// PageID identifies the captured page (e.g. "login").
	PageID string `json:"page_id"`

	// Elements are the captured UI elements.
	Elements []Element `json:"elements"`

	// Timestamp is when the capture happened.
	Timestamp time.Time `json:"timestamp"`
}

// Selectors returns the set of selectors present in the snapshot.
func (s *Snapshot) Selectors() map[string]bool {
	set := make(map[string]bool, len(s.Elements))
	for _, el := range s.Elements {
		set[el.Selector] = true
	}
	return set
}

// Change describes the selector-level difference between two snapshots.
type Change struct {
	// IsNew is true when there was no previous snapshot to compare against.
	IsNew bool `json:"is_new"`

	// Removed are selectors present before but missing now.
	Removed []string `json:"removed,omitempty"`

	// Added are selectors present now but not before.
	Added []string `json:"added,omitempty"`

	// PreviousTimestamp is the capture time of the compared snapshot.
	PreviousTimestamp time.Time `json:"previous_timestamp,omitempty"`
}

// HasChanges reports whether any selectors were added or removed.
func (c *Change) HasChanges() bool {
	return len(c.Removed) > 0 || len(c.Added) > 0
}

// Diff compares current against previous and returns the selector delta.
// A nil previous snapshot yields Change{IsNew: true}.
func Diff(previous, current *Snapshot) *Change {
	if previous == nil {
		return &Change{IsNew: true}
	}

	prevSet := previous.Selectors()
	currSet := current.Selectors()

	change := &Change{PreviousTimestamp: previous.Timestamp}
	for _, el := range previous.Elements {
		if !currSet[el.Selector] {
			change.Removed = append(change.Removed, el.Selector)
		}
	}
	for _, el := range current.Elements {
		if !prevSet[el.Selector] {
			change.Added = append(change.Added, el.Selector)
		}
	}
	return change
}
