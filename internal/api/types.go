package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	Code     string   `json:"code"`
	Language string   `json:"language"` // python, r
	Timeout  Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON as a string like "10s". A bare
// number is read as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		d.Duration = 0
		return nil
	}
	if len(b) > 0 && b[0] != '"' {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecuteResponse is returned by POST /execute on success.
type ExecuteResponse struct {
	Message string `json:"message"`
	Image   string `json:"image"`
	ID      string `json:"id"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}

// LanguagesResponse is returned by GET /languages.
type LanguagesResponse struct {
	Languages []string `json:"languages"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Backend          string `json:"backend"`
	BackendError     string `json:"backend_error,omitempty"`
	ActiveExecutions int64  `json:"active_executions"`
	Isolation        string `json:"isolation"`
	Uptime           string `json:"uptime"`
}
