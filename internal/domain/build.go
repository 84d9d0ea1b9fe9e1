package domain

import (
	"strings"
	"time"
)

// Stage is the lifecycle state of a build.
type Stage string

const (
	StageRunning   Stage = "RUNNING"
	StageSucceeded Stage = "SUCCEEDED"
	StageFailed    Stage = "FAILED"
)

// ParseStage converts a raw stage value, reporting whether it is recognised.
// Matching is case-insensitive; surrounding whitespace is ignored.
func ParseStage(raw string) (Stage, bool) {
	switch Stage(strings.ToUpper(strings.TrimSpace(raw))) {
	case StageRunning:
		return StageRunning, true
	case StageSucceeded:
		return StageSucceeded, true
	case StageFailed:
		return StageFailed, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Build is one execution attempt of a project's pipeline. ProjectID never
// changes after creation.
type Build struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Stage     Stage     `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Running reports whether the build is still in progress.
func (b Build) Running() bool {
	return b.Stage == StageRunning
}
