package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

// validationError carries per-field messages. It is a permanent rejection
// for the offline queue.
func validationError(fields map[string]string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Operation payload is invalid", fields)
}
