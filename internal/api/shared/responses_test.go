package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/genqueue/internal/platform/logger"
)

// requestWithLogger returns a request whose context carries a text logger
// writing to buf.
func requestWithLogger(buf *strings.Builder) *http.Request {
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.WithValue(context.Background(), TraceIDKey, "test-trace-id")
	ctx = logger.WithContext(ctx, log.With("trace_id", "test-trace-id"))
	return httptest.NewRequest(http.MethodGet, "/test", nil).WithContext(ctx)
}

func TestRespondWithJSON(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		data         interface{}
		expectedBody string
	}{
		{
			name:         "successful response",
			status:       http.StatusOK,
			data:         map[string]interface{}{"message": "success", "data": 123},
			expectedBody: `{"data":123,"message":"success"}`,
		},
		{
			name:         "accepted",
			status:       http.StatusAccepted,
			data:         map[string]interface{}{},
			expectedBody: `{}`,
		},
		{
			name:         "nil response",
			status:       http.StatusOK,
			data:         nil,
			expectedBody: `null`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()

			RespondWithJSON(w, req, tc.status, tc.data)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tc.expectedBody, w.Body.String())
		})
	}
}

func TestRespondWithJSONEncodingError(t *testing.T) {
	var logBuf strings.Builder
	req := requestWithLogger(&logBuf)
	w := httptest.NewRecorder()

	RespondWithJSON(w, req, http.StatusOK, map[string]interface{}{"bad": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, logBuf.String(), "failed to encode JSON response")
}

func TestRespondWithError(t *testing.T) {
	var logBuf strings.Builder
	req := requestWithLogger(&logBuf)
	w := httptest.NewRecorder()

	RespondWithError(w, req, http.StatusBadRequest, "Invalid request")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Invalid request", response.Error)
	assert.Equal(t, "test-trace-id", response.TraceID)
}

func TestRespondWithErrorNoTraceID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	RespondWithError(w, req, http.StatusNotFound, "Task not found")

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Task not found", response.Error)
	assert.Empty(t, response.TraceID)
	assert.NotContains(t, w.Body.String(), "trace_id")
}

func TestRespondWithErrorAndLog(t *testing.T) {
	tests := []struct {
		name             string
		statusCode       int
		message          string
		err              error
		expectedLogLevel string
	}{
		{
			name:             "server error",
			statusCode:       http.StatusInternalServerError,
			message:          "Failed to submit task",
			err:              errors.New("dial tcp 10.1.2.3:5432: connection refused"),
			expectedLogLevel: "level=ERROR",
		},
		{
			name:             "client error",
			statusCode:       http.StatusBadRequest,
			message:          "Invalid task payload",
			err:              errors.New("invalid input"),
			expectedLogLevel: "level=DEBUG",
		},
		{
			name:             "rate limiting error",
			statusCode:       http.StatusTooManyRequests,
			message:          "Too many requests",
			err:              errors.New("rate limit exceeded"),
			expectedLogLevel: "level=WARN",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf strings.Builder
			req := requestWithLogger(&logBuf)
			w := httptest.NewRecorder()

			RespondWithErrorAndLog(w, req, tc.statusCode, tc.message, tc.err)

			assert.Equal(t, tc.statusCode, w.Code)

			var response ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tc.message, response.Error)
			assert.Equal(t, "test-trace-id", response.TraceID)
			assert.NotContains(t, w.Body.String(), tc.err.Error(), "raw errors never reach the client")

			logOutput := logBuf.String()
			assert.Contains(t, logOutput, tc.expectedLogLevel)
			assert.Contains(t, logOutput, "trace_id=test-trace-id")
			assert.Contains(t, logOutput, "error_type=")
			assert.NotContains(t, logOutput, "10.1.2.3", "logged errors are redacted")
		})
	}
}
