package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/phrazzld/genqueue/internal/handlers"
)

// GenerateText implements handlers.AI.
func (c *Client) GenerateText(ctx context.Context, req handlers.TextRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.config.TextModel
	}

	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := c.generate(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", err
	}
	return responseText(resp)
}

// GenerateImages implements handlers.AI. The image model returns at most one
// image per call, so one call is made per requested image.
func (c *Client) GenerateImages(ctx context.Context, req handlers.ImageRequest) ([]handlers.Image, error) {
	count := req.Count
	if count < 1 {
		count = 1
	}

	prompt := req.Prompt
	if req.AspectRatio != "" {
		prompt = fmt.Sprintf("%s\n\nAspect ratio: %s", prompt, req.AspectRatio)
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityText), string(genai.ModalityImage)},
	}

	var images []handlers.Image
	for len(images) < count {
		resp, err := c.generate(ctx, c.config.ImageModel, genai.Text(prompt), cfg)
		if err != nil {
			return nil, err
		}
		got := responseImages(resp)
		if len(got) == 0 {
			return nil, fmt.Errorf("%w: no image in response", handlers.ErrEmptyResponse)
		}
		images = append(images, got...)
	}
	return images[:count], nil
}

// DescribeImage implements handlers.AI.
func (c *Client) DescribeImage(ctx context.Context, req handlers.FileRequest) (string, error) {
	return c.analyzeFile(ctx, req, func(mimeType string) bool {
		return strings.HasPrefix(mimeType, "image/")
	})
}

// ProcessDocument implements handlers.AI. PDF and plain-text documents are
// supported.
func (c *Client) ProcessDocument(ctx context.Context, req handlers.FileRequest) (string, error) {
	return c.analyzeFile(ctx, req, func(mimeType string) bool {
		return mimeType == "application/pdf" || strings.HasPrefix(mimeType, "text/")
	})
}

// ProcessSpreadsheet implements handlers.AI. Spreadsheets must be exported as
// CSV or TSV; binary workbook formats are rejected.
func (c *Client) ProcessSpreadsheet(ctx context.Context, req handlers.FileRequest) (string, error) {
	return c.analyzeFile(ctx, req, func(mimeType string) bool {
		switch mimeType {
		case "text/csv", "text/tab-separated-values", "text/plain":
			return true
		}
		return false
	})
}

func (c *Client) analyzeFile(ctx context.Context, req handlers.FileRequest, supported func(string) bool) (string, error) {
	file, err := c.fetch(ctx, req.URL, req.MIMEType)
	if err != nil {
		return "", err
	}
	if !supported(file.mimeType) {
		return "", fmt.Errorf("%w: MIME type %s", handlers.ErrUnsupportedInput, file.mimeType)
	}

	var filePart *genai.Part
	if strings.HasPrefix(file.mimeType, "text/") {
		filePart = genai.NewPartFromText(string(file.data))
	} else {
		filePart = genai.NewPartFromBytes(file.data, file.mimeType)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			filePart,
			genai.NewPartFromText(req.Instruction),
		}, genai.RoleUser),
	}

	resp, err := c.generate(ctx, c.config.TextModel, contents, nil)
	if err != nil {
		return "", err
	}
	return responseText(resp)
}

// generate makes one Gemini API call and checks the response for safety
// blocks. Transport errors are returned for the queue to retry.
func (c *Client) generate(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	started := time.Now()
	resp, err := c.genai.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, mapError(err)
	}

	c.logger.DebugContext(ctx, "Gemini API call successful",
		"model", model,
		"duration", time.Since(started))

	if err := checkBlocked(resp); err != nil {
		c.logger.WarnContext(ctx, "Gemini response blocked", "model", model, "error", err)
		return nil, err
	}
	return resp, nil
}

// checkBlocked translates prompt feedback and finish reasons into errors.
func checkBlocked(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", handlers.ErrEmptyResponse)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return fmt.Errorf("%w: prompt blocked (%s)", handlers.ErrContentBlocked, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return fmt.Errorf("%w: no candidates", handlers.ErrEmptyResponse)
	}
	switch reason := resp.Candidates[0].FinishReason; reason {
	case genai.FinishReasonSafety,
		genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist,
		genai.FinishReasonSPII,
		genai.FinishReasonImageSafety:
		return fmt.Errorf("%w: response blocked (%s)", handlers.ErrContentBlocked, reason)
	}
	return nil
}

func candidateParts(resp *genai.GenerateContentResponse) []*genai.Part {
	content := resp.Candidates[0].Content
	if content == nil {
		return nil
	}
	return content.Parts
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	var b strings.Builder
	for _, part := range candidateParts(resp) {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", handlers.ErrEmptyResponse)
	}
	return text, nil
}

func responseImages(resp *genai.GenerateContentResponse) []handlers.Image {
	var images []handlers.Image
	for _, part := range candidateParts(resp) {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		images = append(images, handlers.Image{
			Data:     part.InlineData.Data,
			MIMEType: part.InlineData.MIMEType,
		})
	}
	return images
}

// mapError marks requests the API rejects outright as unsupported input.
// Rate limits, timeouts and server errors stay retriable.
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: gemini rejected request (%d %s)",
				handlers.ErrUnsupportedInput, apiErr.Code, apiErr.Status)
		}
		return fmt.Errorf("gemini request failed (%d %s): %w", apiErr.Code, apiErr.Status, err)
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
