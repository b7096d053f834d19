package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()
		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteAccepted(w, map[string]string{"job_id": "123"}))

	assert.Equal(t, http.StatusAccepted, w.Code)
	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "123", response.Data.(map[string]interface{})["job_id"])
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name      string
		write     func(w http.ResponseWriter) error
		status    int
		errorType string
		message   string
	}{
		{"bad request", func(w http.ResponseWriter) error { return WriteBadRequest(w, "bad", nil) }, http.StatusBadRequest, "bad_request", "bad"},
		{"unauthorized default", func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") }, http.StatusUnauthorized, "unauthorized", "Authentication required"},
		{"forbidden default", func(w http.ResponseWriter) error { return WriteForbidden(w, "") }, http.StatusForbidden, "forbidden", "Access forbidden"},
		{"not found", func(w http.ResponseWriter) error { return WriteNotFound(w, "tenant not found") }, http.StatusNotFound, "not_found", "tenant not found"},
		{"conflict", func(w http.ResponseWriter) error { return WriteConflict(w, "exists", nil) }, http.StatusConflict, "conflict", "exists"},
		{"too many requests", func(w http.ResponseWriter) error { return WriteTooManyRequests(w, "", 0, nil) }, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded"},
		{"unavailable", func(w http.ResponseWriter) error { return WriteServiceUnavailable(w, "", 0) }, http.StatusServiceUnavailable, "service_unavailable", "Service temporarily unavailable"},
		{"internal", func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") }, http.StatusInternalServerError, "internal_error", "Internal server error"},
		{"too large", func(w http.ResponseWriter) error { return WriteError(w, http.StatusRequestEntityTooLarge, "big", nil) }, http.StatusRequestEntityTooLarge, "payload_too_large", "big"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))
			assert.Equal(t, tt.status, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.errorType, response.Error)
			assert.Equal(t, tt.message, response.Message)
		})
	}
}

func TestRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteTooManyRequests(w, "", 1500*time.Millisecond, map[string]interface{}{"limit": 60}))
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = httptest.NewRecorder()
	require.NoError(t, WriteServiceUnavailable(w, "halted", 100*time.Millisecond))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	body, err := ReadBody(r, 7)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":12}`))
	_, err = ReadBody(r, 7)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Amount float64 `json:"amount"`
	}
	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"amount":5}`))
	require.NoError(t, DecodeJSON(r, 1024, &v))
	assert.Equal(t, 5.0, v.Amount)

	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"amount":5,"extra":true}`))
	assert.Error(t, DecodeJSON(r, 1024, &v))
}
