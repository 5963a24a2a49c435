package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// getPathParam extracts a non-blank path parameter from the chi route context.
// It reports false when the parameter is missing.
func getPathParam(r *http.Request, paramName string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, paramName))
	if value == "" {
		return "", false
	}
	return value, true
}
