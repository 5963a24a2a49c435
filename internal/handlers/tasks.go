package handlers

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/queue"
)

// defaultImageCount applies when an image-gen payload leaves Count unset.
const defaultImageCount = 1

// Tasks holds the handlers of the AI task queue.
type Tasks struct {
	ai        AI
	artifacts ArtifactStore
	prefix    string
}

// NewTasks creates the task handlers. Generated images are written to
// artifacts under keyPrefix.
func NewTasks(ai AI, artifacts ArtifactStore, keyPrefix string) *Tasks {
	if artifacts == nil {
		artifacts = InlineArtifacts{}
	}
	return &Tasks{ai: ai, artifacts: artifacts, prefix: keyPrefix}
}

// Register binds every AI task type to its handler.
func (h *Tasks) Register(r *queue.Registry) {
	queue.Register(r, h.TextGeneration)
	queue.Register(r, h.ImageGeneration)
	queue.Register(r, h.ImageUnderstanding)
	queue.Register(r, h.DocumentProcessing)
	queue.Register(r, h.SpreadsheetProcessing)
}

// TextGeneration handles text-gen jobs.
func (h *Tasks) TextGeneration(ctx context.Context, p queue.TextGeneration) (any, error) {
	text, err := h.ai.GenerateText(ctx, TextRequest{
		Prompt:    p.Prompt,
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("generate text: %w", err))
	}
	return TextResult{Text: text, Model: p.Model}, nil
}

// ImageGeneration handles image-gen jobs. Every image is written to the
// artifact store and the result carries their URLs.
func (h *Tasks) ImageGeneration(ctx context.Context, p queue.ImageGeneration) (any, error) {
	count := p.Count
	if count == 0 {
		count = defaultImageCount
	}

	images, err := h.ai.GenerateImages(ctx, ImageRequest{
		Prompt:      p.Prompt,
		Count:       count,
		AspectRatio: p.AspectRatio,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("generate images: %w", err))
	}
	if len(images) == 0 {
		return nil, classify(fmt.Errorf("generate images: %w", ErrEmptyResponse))
	}

	log := logger.FromContext(ctx)
	result := ImageResult{Images: make([]Artifact, 0, len(images))}
	for i, img := range images {
		key := path.Join(h.prefix, p.Requester.UserID, uuid.NewString()+extensionFor(img.MIMEType))
		url, err := h.artifacts.Put(ctx, key, img.Data, img.MIMEType)
		if err != nil {
			// Storage failures are transient from the job's point of view.
			return nil, fmt.Errorf("store image %d: %w", i, err)
		}
		log.Debug("stored generated image", "key", key, "bytes", len(img.Data))
		result.Images = append(result.Images, Artifact{URL: url, MIMEType: img.MIMEType})
	}
	return result, nil
}

// ImageUnderstanding handles image-understand jobs.
func (h *Tasks) ImageUnderstanding(ctx context.Context, p queue.ImageUnderstanding) (any, error) {
	question := p.Question
	if question == "" {
		question = "Describe this image in detail."
	}
	text, err := h.ai.DescribeImage(ctx, FileRequest{
		URL:         p.ImageURL,
		MIMEType:    p.MIMEType,
		Instruction: question,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("describe image: %w", err))
	}
	return DescriptionResult{Text: text, ImageURL: p.ImageURL}, nil
}

// DocumentProcessing handles document-process jobs.
func (h *Tasks) DocumentProcessing(ctx context.Context, p queue.DocumentProcessing) (any, error) {
	text, err := h.ai.ProcessDocument(ctx, FileRequest{
		URL:         p.DocumentURL,
		MIMEType:    p.MIMEType,
		Instruction: p.Instruction,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("process document: %w", err))
	}
	return DocumentResult{Text: text, DocumentURL: p.DocumentURL}, nil
}

// SpreadsheetProcessing handles excel-process jobs.
func (h *Tasks) SpreadsheetProcessing(ctx context.Context, p queue.SpreadsheetProcessing) (any, error) {
	text, err := h.ai.ProcessSpreadsheet(ctx, FileRequest{
		URL:         p.FileURL,
		MIMEType:    p.MIMEType,
		Instruction: p.Instruction,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("process spreadsheet: %w", err))
	}
	return SpreadsheetResult{Text: text, FileURL: p.FileURL}, nil
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrEmptyResponse) ||
		errors.Is(err, ErrUnsupportedInput) {
		return queue.Permanent(err)
	}
	return err
}
