package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/phrazzld/genqueue/internal/handlers"
)

// Defaults applied by New when the corresponding Config field is empty.
const (
	DefaultTextModel    = "gemini-2.0-flash"
	DefaultImageModel   = "gemini-2.0-flash-preview-image-generation"
	DefaultTimeout      = 2 * time.Minute
	DefaultMaxFileBytes = 20 << 20
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid gemini configuration")

// Config holds the settings of the Gemini client.
type Config struct {
	APIKey     string
	TextModel  string
	ImageModel string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// Timeout bounds each API call and each input file download.
	Timeout time.Duration

	// MaxFileBytes caps the size of fetched input files.
	MaxFileBytes int64

	// AllowPrivateFileHosts lets input file URLs point at loopback, private
	// and link-local addresses. Only for local development.
	AllowPrivateFileHosts bool
}

// Client implements handlers.AI on top of the Gemini API.
type Client struct {
	// logger is used for structured logging
	logger *slog.Logger

	// config holds the effective settings, defaults applied
	config Config

	// genai is the Gemini API client for making requests
	genai *genai.Client

	// files fetches input files referenced by URL
	files *http.Client
}

var _ handlers.AI = (*Client)(nil)

// New creates a Client.
//
// Parameters:
//   - ctx: Context for client creation
//   - config: API key, model names and limits
//   - logger: A structured logger for operation logging
//
// Returns:
//   - A properly initialized Client or an error wrapping ErrInvalidConfig
func New(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: API key cannot be empty", ErrInvalidConfig)
	}
	if config.TextModel == "" {
		config.TextModel = DefaultTextModel
	}
	if config.ImageModel == "" {
		config.ImageModel = DefaultImageModel
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxFileBytes <= 0 {
		config.MaxFileBytes = DefaultMaxFileBytes
	}

	httpClient := &http.Client{Timeout: config.Timeout}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return &Client{
		logger: logger.With("component", "gemini"),
		config: config,
		genai:  client,
		files:  newFileClient(config.Timeout, config.AllowPrivateFileHosts),
	}, nil
}
