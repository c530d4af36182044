// Package llm defines the reasoning and image-generation collaborators.
package llm

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("llm collaborator unavailable")

// Request is one completion call.
type Request struct {
	Purpose string
	System  string
	Prompt  string
}

// Reasoner produces text for dialogue, staging suggestions and outcome phrasing.
type Reasoner interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type ImageRequest struct {
	EntityType string
	EntityID   string
	Prompt     string
}

type Image struct {
	URL string
}

// ImageGenerator renders assets for world entities.
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) (Image, error)
}

// Purposes used to route requests in scripted collaborators.
const (
	PurposeDialogue = "dialogue"
	PurposeStaging  = "staging"
	PurposeOutcome  = "outcome"
)
