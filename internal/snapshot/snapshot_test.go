package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	prev := &Snapshot{
		Tenant: "client_a",
		PageID: "login",
		Elements: []Element{
			{Selector: "#login-btn", Type: "button"},
			{Selector: "#username", Type: "input"},
		},
		Timestamp: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	curr := &Snapshot{
		Tenant: "client_a",
		PageID: "login",
		Elements: []Element{
			{Selector: "#login-button-v2", Type: "button"},
			{Selector: "#username", Type: "input"},
		},
		Timestamp: time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC),
	}

	change := Diff(prev, curr)
	assert.False(t, change.IsNew)
	assert.True(t, change.HasChanges())
	assert.Equal(t, []string{"#login-btn"}, change.Removed)
	assert.Equal(t, []string{"#login-button-v2"}, change.Added)
	assert.Equal(t, prev.Timestamp, change.PreviousTimestamp)
}

func TestDiffNoPrevious(t *testing.T) {
	change := Diff(nil, &Snapshot{PageID: "login"})
	assert.True(t, change.IsNew)
	assert.False(t, change.HasChanges())
}

func TestDiffIdentical(t *testing.T) {
	snap := &Snapshot{
		Elements: []Element{{Selector: "#submit", Type: "button"}},
	}
	change := Diff(snap, snap)
	assert.False(t, change.HasChanges())
}
