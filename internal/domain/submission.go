package domain

import (
	"errors"
	"strings"
	"time"
)

// Purge state of a submission's content. Metadata and findings persist after
// content purge; the purge itself is fallible and retried.
const (
	PurgeStateRetained = "retained"
	PurgeStatePurged   = "purged"
	PurgeStateFailed   = "purge_failed"
	PurgeStateFlagged  = "purge_flagged"
)

// Submission is the user-supplied payload plus its retention policy.
type Submission struct {
	ID            string
	OrgID         string
	Filename      string
	ContentType   string
	ContentKey    string
	SizeBytes     int64
	RetainUntil   time.Time
	PurgeState    string
	PurgeAttempts int
	NextPurgeAt   *time.Time
	CreatedAt     time.Time
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(s.OrgID) == "" {
		return errors.New("org id is required")
	}
	if strings.TrimSpace(s.ContentKey) == "" {
		return errors.New("content key is required")
	}
	switch s.PurgeState {
	case PurgeStateRetained, PurgeStatePurged, PurgeStateFailed, PurgeStateFlagged:
	default:
		return errors.New("purge state is required")
	}
	return nil
}
