package artifact

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no artifact has the requested id.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidTransition is returned when a requested transition is not the
	// single legal next step, or carries fields that step may not set.
	ErrInvalidTransition = errors.New("invalid transition")
)

// TransitionError details a rejected transition.
type TransitionError struct {
	ID     string
	From   State
	To     State
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("artifact %s: %s -> %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Artifact is a snapshot of one uploaded package and its transformation state.
type Artifact struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"originalFilename"`
	UploadPath       string    `json:"uploadPath"`
	OwnerID          string    `json:"ownerId,omitempty"`
	State            State     `json:"state"`
	OutputDir        string    `json:"outputDir,omitempty"`
	SourcePath       string    `json:"sourcePath,omitempty"`
	Features         []string  `json:"features,omitempty"`
	FailureReason    string    `json:"failureReason,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// clone returns a copy that shares no mutable memory with a.
func (a Artifact) clone() Artifact {
	if a.Features != nil {
		a.Features = append([]string(nil), a.Features...)
	}
	return a
}

// Fields carries the values a transition records alongside the new state.
//
// OutputDir may only be set on Decompiling -> Decompiled, where it is
// required. SourcePath may only be set on Decompiled -> FeatureInjected, where
// it is required. Feature, when non-empty, is appended to Features.
type Fields struct {
	OutputDir  string
	SourcePath string
	Feature    string
}

// CreateOption customizes a newly created artifact.
type CreateOption func(*Artifact)

// WithOwner records the user that uploaded the package.
func WithOwner(ownerID string) CreateOption {
	return func(a *Artifact) {
		a.OwnerID = ownerID
	}
}
