package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/genqueue/internal/handlers"
	"github.com/phrazzld/genqueue/internal/queue"
)

// fakeAI records requests and returns canned answers
type fakeAI struct {
	text   string
	images []handlers.Image
	err    error

	mu       sync.Mutex
	requests []any
}

func (f *fakeAI) record(req any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeAI) GenerateText(_ context.Context, req handlers.TextRequest) (string, error) {
	f.record(req)
	return f.text, f.err
}

func (f *fakeAI) GenerateImages(_ context.Context, req handlers.ImageRequest) ([]handlers.Image, error) {
	f.record(req)
	return f.images, f.err
}

func (f *fakeAI) DescribeImage(_ context.Context, req handlers.FileRequest) (string, error) {
	f.record(req)
	return f.text, f.err
}

func (f *fakeAI) ProcessDocument(_ context.Context, req handlers.FileRequest) (string, error) {
	f.record(req)
	return f.text, f.err
}

func (f *fakeAI) ProcessSpreadsheet(_ context.Context, req handlers.FileRequest) (string, error) {
	f.record(req)
	return f.text, f.err
}

// memoryArtifacts keeps artifacts in a map
type memoryArtifacts struct {
	mu    sync.Mutex
	items map[string][]byte
	err   error
}

func (m *memoryArtifacts) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string][]byte)
	}
	m.items[key] = data
	return "https://cdn.test/" + key, nil
}

var requester = queue.Requester{UserID: "user-1", Email: "user@example.com"}

func TestRegisterCoversAllTaskTypes(t *testing.T) {
	t.Parallel()

	r := queue.NewRegistry()
	handlers.NewTasks(&fakeAI{}, nil, "generated").Register(r)

	require.NoError(t, r.Require(queue.TaskTypes...))
	assert.Error(t, r.Require(queue.TypeWelcome))
}

func TestTextGeneration(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{text: "Once upon a time"}
	h := handlers.NewTasks(ai, nil, "generated")

	out, err := h.TextGeneration(context.Background(), queue.TextGeneration{
		Requester: requester,
		Prompt:    "tell a story",
		Model:     "gemini-2.0-flash",
		MaxTokens: 128,
	})
	require.NoError(t, err)
	assert.Equal(t, handlers.TextResult{Text: "Once upon a time", Model: "gemini-2.0-flash"}, out)

	require.Len(t, ai.requests, 1)
	assert.Equal(t, handlers.TextRequest{Prompt: "tell a story", Model: "gemini-2.0-flash", MaxTokens: 128}, ai.requests[0])
}

func TestImageGeneration(t *testing.T) {
	t.Parallel()

	t.Run("stores every image", func(t *testing.T) {
		ai := &fakeAI{images: []handlers.Image{
			{Data: []byte("png-1"), MIMEType: "image/png"},
			{Data: []byte("png-2"), MIMEType: "image/png"},
		}}
		store := &memoryArtifacts{}
		h := handlers.NewTasks(ai, store, "generated")

		out, err := h.ImageGeneration(context.Background(), queue.ImageGeneration{
			Requester: requester,
			Prompt:    "a lighthouse",
			Count:     2,
		})
		require.NoError(t, err)

		result, ok := out.(handlers.ImageResult)
		require.True(t, ok)
		require.Len(t, result.Images, 2)
		for _, img := range result.Images {
			assert.True(t, strings.HasPrefix(img.URL, "https://cdn.test/generated/user-1/"))
			assert.True(t, strings.HasSuffix(img.URL, ".png"))
			assert.Equal(t, "image/png", img.MIMEType)
		}
		assert.Len(t, store.items, 2)
	})

	t.Run("defaults to one image", func(t *testing.T) {
		ai := &fakeAI{images: []handlers.Image{{Data: []byte("x"), MIMEType: "image/jpeg"}}}
		h := handlers.NewTasks(ai, nil, "generated")

		out, err := h.ImageGeneration(context.Background(), queue.ImageGeneration{Requester: requester, Prompt: "cat"})
		require.NoError(t, err)

		req := ai.requests[0].(handlers.ImageRequest)
		assert.Equal(t, 1, req.Count)

		result := out.(handlers.ImageResult)
		require.Len(t, result.Images, 1)
		assert.Equal(t, "data:image/jpeg;base64,eA==", result.Images[0].URL)
	})

	t.Run("no images is permanent", func(t *testing.T) {
		h := handlers.NewTasks(&fakeAI{}, nil, "generated")

		_, err := h.ImageGeneration(context.Background(), queue.ImageGeneration{Requester: requester, Prompt: "cat"})
		require.Error(t, err)
		assert.True(t, queue.IsPermanent(err))
		assert.ErrorIs(t, err, handlers.ErrEmptyResponse)
	})

	t.Run("storage failure is retriable", func(t *testing.T) {
		ai := &fakeAI{images: []handlers.Image{{Data: []byte("x"), MIMEType: "image/png"}}}
		h := handlers.NewTasks(ai, &memoryArtifacts{err: errors.New("bucket unavailable")}, "generated")

		_, err := h.ImageGeneration(context.Background(), queue.ImageGeneration{Requester: requester, Prompt: "cat"})
		require.Error(t, err)
		assert.False(t, queue.IsPermanent(err))
	})
}

func TestFileHandlers(t *testing.T) {
	t.Parallel()

	ai := &fakeAI{text: "three columns, 40 rows"}
	h := handlers.NewTasks(ai, nil, "generated")
	ctx := context.Background()

	out, err := h.ImageUnderstanding(ctx, queue.ImageUnderstanding{Requester: requester, ImageURL: "https://files.test/cat.png"})
	require.NoError(t, err)
	assert.Equal(t, handlers.DescriptionResult{Text: "three columns, 40 rows", ImageURL: "https://files.test/cat.png"}, out)
	assert.Equal(t, "Describe this image in detail.", ai.requests[0].(handlers.FileRequest).Instruction)

	out, err = h.DocumentProcessing(ctx, queue.DocumentProcessing{
		Requester:   requester,
		DocumentURL: "https://files.test/report.pdf",
		MIMEType:    "application/pdf",
		Instruction: "summarise",
	})
	require.NoError(t, err)
	assert.Equal(t, handlers.DocumentResult{Text: "three columns, 40 rows", DocumentURL: "https://files.test/report.pdf"}, out)
	assert.Equal(t, handlers.FileRequest{
		URL:         "https://files.test/report.pdf",
		MIMEType:    "application/pdf",
		Instruction: "summarise",
	}, ai.requests[1])

	out, err = h.SpreadsheetProcessing(ctx, queue.SpreadsheetProcessing{
		Requester:   requester,
		FileURL:     "https://files.test/data.xlsx",
		Instruction: "describe",
	})
	require.NoError(t, err)
	assert.Equal(t, handlers.SpreadsheetResult{Text: "three columns, 40 rows", FileURL: "https://files.test/data.xlsx"}, out)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"blocked content", fmt.Errorf("prompt: %w", handlers.ErrContentBlocked), true},
		{"empty response", handlers.ErrEmptyResponse, true},
		{"unsupported input", handlers.ErrUnsupportedInput, true},
		{"network error", errors.New("connection reset by peer"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := handlers.NewTasks(&fakeAI{err: tc.err}, nil, "generated")
			_, err := h.TextGeneration(context.Background(), queue.TextGeneration{Requester: requester, Prompt: "hi"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.permanent, queue.IsPermanent(err))
		})
	}
}
