package types

import "time"

// Status is the externally visible state of a project.
type Status string

const (
	StatusInitialized     Status = "INITIALIZED"
	StatusAnalyzing       Status = "ANALYZING"
	StatusGenerating      Status = "GENERATING"
	StatusWaitingForUser  Status = "WAITING_FOR_USER"
	StatusSlideProcessing Status = "SLIDE_PROCESSING"
	StatusUpdating        Status = "UPDATING"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFailed
}

// Busy reports whether a pass is in flight in this status.
func (s Status) Busy() bool {
	switch s {
	case StatusAnalyzing, StatusGenerating, StatusSlideProcessing, StatusUpdating:
		return true
	}
	return false
}

// EventType identifies a progress event.
type EventType string

const (
	EventStatusUpdate        EventType = "status_update"
	EventSlideCompiled       EventType = "slide_compiled"
	EventPublished           EventType = "published"
	EventSlideUpdateComplete EventType = "slide_update_complete"
	EventError               EventType = "error"
)

// Event is one progress notification of a project. Seq increases strictly
// within a project and is never reused.
type Event struct {
	Seq         uint64    `json:"seq"`
	ProjectID   string    `json:"project_id"`
	PassID      string    `json:"pass_id,omitempty"`
	Type        EventType `json:"type"`
	Status      Status    `json:"status,omitempty"`
	SlideNumber int       `json:"slide_number,omitempty"`
	SlideTitle  string    `json:"slide_title,omitempty"`
	Progress    int       `json:"progress"`
	Message     string    `json:"message,omitempty"`
	Field       string    `json:"field,omitempty"`
	Code        string    `json:"code,omitempty"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Artifact is a handle to a rendered deck.
type Artifact struct {
	Path        string `json:"path"`
	ETag        string `json:"etag,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
}

// Publication is a complete, successfully rendered set of slide tables.
type Publication struct {
	PassID      string       `json:"pass_id"`
	Tables      []SlideTable `json:"tables"`
	Artifact    Artifact     `json:"artifact"`
	PublishedAt time.Time    `json:"published_at"`
}

// SlideStatus is the compilation state of one slide in the latest pass.
type SlideStatus string

const (
	SlidePending  SlideStatus = "pending"
	SlideCompiled SlideStatus = "compiled"
	SlideFailed   SlideStatus = "failed"
)
