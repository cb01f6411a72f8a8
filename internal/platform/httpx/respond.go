// Package httpx provides JSON response helpers for the ops listener.
package httpx

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC7807 problem body.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteProblem writes a problem+json response. detail is omitted for 5xx
// codes so backend errors are not echoed to callers.
func WriteProblem(w http.ResponseWriter, status int, detail string) {
	if status >= http.StatusInternalServerError {
		detail = ""
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
