// Package handlers implements the queue handlers for AI task jobs. Each
// handler is a thin shim that translates a typed payload into a call on the
// AI collaborator and shapes its answer into a JSON result.
package handlers

import (
	"context"
	"errors"
)

// Errors returned by AI implementations. Handlers treat both as permanent:
// retrying the same request yields the same answer.
var (
	// ErrContentBlocked is returned when the model refuses a request on
	// safety grounds.
	ErrContentBlocked = errors.New("content blocked by safety filters")

	// ErrEmptyResponse is returned when the model answers without usable content.
	ErrEmptyResponse = errors.New("model returned no content")

	// ErrUnsupportedInput is returned when an input file cannot be processed,
	// for example because of its MIME type.
	ErrUnsupportedInput = errors.New("unsupported input")
)

// TextRequest asks for a text completion.
type TextRequest struct {
	Prompt    string
	Model     string
	MaxTokens int
}

// ImageRequest asks for one or more generated images.
type ImageRequest struct {
	Prompt      string
	Count       int
	AspectRatio string
}

// FileRequest asks the model to work on a remote file.
type FileRequest struct {
	URL         string
	MIMEType    string
	Instruction string
}

// Image is raw image output of the model.
type Image struct {
	Data     []byte
	MIMEType string
}

// AI is the generative-AI collaborator. Implementations own their network
// timeouts; handlers never retry a call themselves.
type AI interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
	GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error)
	DescribeImage(ctx context.Context, req FileRequest) (string, error)
	ProcessDocument(ctx context.Context, req FileRequest) (string, error)
	ProcessSpreadsheet(ctx context.Context, req FileRequest) (string, error)
}
