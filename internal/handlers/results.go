package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/phrazzld/genqueue/internal/queue"
	"github.com/phrazzld/genqueue/internal/redact"
)

// TextResult is the result of a text-gen job.
type TextResult struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Artifact is a stored piece of binary output.
type Artifact struct {
	URL      string `json:"url"`
	MIMEType string `json:"mimeType"`
}

// ImageResult is the result of an image-gen job.
type ImageResult struct {
	Images []Artifact `json:"images"`
}

// DescriptionResult is the result of an image-understand job.
type DescriptionResult struct {
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
}

// DocumentResult is the result of a document-process job.
type DocumentResult struct {
	Text        string `json:"text"`
	DocumentURL string `json:"documentUrl"`
}

// SpreadsheetResult is the result of an excel-process job.
type SpreadsheetResult struct {
	Text    string `json:"text"`
	FileURL string `json:"fileUrl"`
}

// SummaryLength bounds the text excerpt in a summary.
const SummaryLength = 200

// Summarize derives a short human-readable summary from the stored result of
// a completed task job.
func Summarize(t queue.JobType, raw json.RawMessage) (string, error) {
	switch t {
	case queue.TypeTextGeneration:
		var r TextResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fmt.Errorf("decode %s result: %w", t, err)
		}
		return excerpt(r.Text), nil
	case queue.TypeImageGeneration:
		var r ImageResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fmt.Errorf("decode %s result: %w", t, err)
		}
		if len(r.Images) == 1 {
			return "1 image generated", nil
		}
		return fmt.Sprintf("%d images generated", len(r.Images)), nil
	case queue.TypeImageUnderstanding:
		var r DescriptionResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fmt.Errorf("decode %s result: %w", t, err)
		}
		return "Image analysis: " + excerpt(r.Text), nil
	case queue.TypeDocumentProcessing:
		var r DocumentResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fmt.Errorf("decode %s result: %w", t, err)
		}
		return "Document processed: " + excerpt(r.Text), nil
	case queue.TypeSpreadsheetProcessing:
		var r SpreadsheetResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", fmt.Errorf("decode %s result: %w", t, err)
		}
		return "Spreadsheet analysed: " + excerpt(r.Text), nil
	default:
		return "", fmt.Errorf("%w: no summary for %s", queue.ErrUnknownJobType, t)
	}
}

func excerpt(s string) string {
	return redact.Truncate(strings.Join(strings.Fields(s), " "), SummaryLength)
}
