// Package ipc implements the local request surface: get, update,
// delete, and list operations against the device's own shadow store,
// with validation, inbound rate limiting, and propagation of local
// writes into the sync queue.
package ipc

import "fmt"

// Error codes carried to IPC clients.
const (
	CodeInvalidArguments = "InvalidArguments"
	CodeResourceNotFound = "ResourceNotFound"
	CodeConflict         = "ConflictError"
	CodeTooManyRequests  = "TooManyRequests"
	CodeServiceError     = "ServiceError"
)

// ServiceError is the structured error returned to IPC clients. The
// code is stable protocol surface; the message is diagnostic.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ipc: %s: %s", e.Code, e.Message)
}

func invalidArguments(format string, args ...any) *ServiceError {
	return &ServiceError{Code: CodeInvalidArguments, Message: fmt.Sprintf(format, args...)}
}

func resourceNotFound(format string, args ...any) *ServiceError {
	return &ServiceError{Code: CodeResourceNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictError(format string, args ...any) *ServiceError {
	return &ServiceError{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func tooManyRequests() *ServiceError {
	return &ServiceError{Code: CodeTooManyRequests, Message: "too many requests"}
}

func serviceError(err error) *ServiceError {
	return &ServiceError{Code: CodeServiceError, Message: err.Error()}
}
