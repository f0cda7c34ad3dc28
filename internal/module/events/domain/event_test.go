package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeHashStableAcrossRevisions(t *testing.T) {
	event := Event{
		Type:     TypeCategory,
		SiteID:   "site-1",
		JobID:    "job-1",
		Category: "seo",
		Issues:   []CategoryIssue{{ID: "iss-1", Severity: "high"}},
	}

	// revision・timestampはハッシュに影響しない
	a := event
	a.Revision = 1
	b := event
	b.Revision = 2
	b.Timestamp = time.Now()

	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
	assert.Len(t, a.ComputeHash(), 16)
}

func TestComputeHashDiffersOnPayloadChange(t *testing.T) {
	base := Event{Type: TypeStatus, State: StateRunning, JobID: "job-1"}

	changed := base
	changed.State = StateDone
	assert.NotEqual(t, base.ComputeHash(), changed.ComputeHash())

	changed = base
	changed.Message = "note"
	assert.NotEqual(t, base.ComputeHash(), changed.ComputeHash())

	changed = base
	changed.Progress = 50
	assert.NotEqual(t, base.ComputeHash(), changed.ComputeHash())
}

func TestFingerprint(t *testing.T) {
	event := Event{Type: TypeStatus, State: StateQueued, JobID: "job-1"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	stamped := event.Fingerprint(now)
	assert.Equal(t, event.ComputeHash(), stamped.Hash)
	assert.Equal(t, now, stamped.Timestamp)

	// 元のイベントは変更されない
	assert.Empty(t, event.Hash)
	assert.True(t, event.Timestamp.IsZero())
}
