// Package response writes the JSON envelope shared by the HTTP surfaces.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/godamri/helix-activity/contextx"
)

type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    Meta   `json:"meta"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Meta struct {
	TraceID string `json:"trace_id,omitempty"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{TraceID: traceID(r)},
	})
}

// ErrorJSON writes a failure envelope. The status comes from MapStatus.
func ErrorJSON(w http.ResponseWriter, r *http.Request, code, message string) {
	Fail(w, r, code, message, nil)
}

// Fail is ErrorJSON with a data payload, e.g. the per-check readiness report.
func Fail(w http.ResponseWriter, r *http.Request, code, message string, data any) {
	write(w, MapStatus(code), Envelope{
		Success: false,
		Data:    data,
		Error:   &Error{Code: code, Message: message},
		Meta:    Meta{TraceID: traceID(r)},
	})
}

func write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful can be sent once the header is out
	_ = json.NewEncoder(w).Encode(payload)
}

func traceID(r *http.Request) string {
	if tid := contextx.GetTraceID(r.Context()); tid != "" {
		return tid
	}
	return r.Header.Get("X-Trace-Id")
}
