package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureLogger_RedactsSecrets(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		leaked  string
		logPath string
	}{
		{"unlock token in path", "/auth/unlock/V1StGXR8_Z5jdHi6B", "V1StGXR8_Z5jdHi6B", "/auth/unlock/[REDACTED]"},
		{"token in query", "/auth/unlock?token=secret123", "secret123", "/auth/unlock?token=[REDACTED]"},
		{"plain query", "/admin/security/dashboard?limit=5", "", "/admin/security/dashboard?limit=5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			handler := SecureLogger(logger, nil)(okHandler())

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.target, nil))

			out := buf.String()
			assert.Contains(t, out, tt.logPath)
			if tt.leaked != "" {
				assert.NotContains(t, out, tt.leaked)
			}
			assert.Contains(t, out, `"status":200`)
		})
	}
}

func TestSecureLogger_ServerErrorsLoggedAsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	SecureLogger(logger, nil)(failing).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/auth/login", nil))

	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}
