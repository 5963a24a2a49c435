package handlers

import (
	"context"
	"encoding/base64"
	"mime"
	"strings"
)

// ArtifactStore persists generated binary output and returns a URL for it.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// InlineArtifacts stores artifacts nowhere and returns them as data URLs.
// It is the fallback when no object storage is configured.
type InlineArtifacts struct{}

// Put implements ArtifactStore.
func (InlineArtifacts) Put(_ context.Context, _ string, data []byte, contentType string) (string, error) {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// extensionFor returns a file extension for contentType, defaulting to ".bin".
func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
