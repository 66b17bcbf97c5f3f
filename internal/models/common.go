// Package models holds the request and response types exchanged between the
// service layer and the command line, and printed by --json.
package models

// ErrorDetail describes a failed operation in machine readable output.
type ErrorDetail struct {
	// Code is one of the application error codes in internal/errors.
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data carries the path, the failed operation and a remedy when known.
	Data interface{} `json:"data,omitempty"`
}

// ErrorResponse wraps an ErrorDetail as the top-level JSON object written on
// failure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
