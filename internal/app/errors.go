package app

import "fmt"

// DomainError carries the HTTP status and the stable error code clients
// branch on. Codes are part of the API contract and never reworded.
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

// Stable error codes surfaced to API consumers.
const (
	CodeAlreadyLocked           = "AlreadyLocked"
	CodeInvalidTransition       = "InvalidTransition"
	CodeEmptySignerList         = "EmptySignerList"
	CodeSignerNotFound          = "SignerNotFound"
	CodeAlreadyResponded        = "AlreadyResponded"
	CodeVersionNotLocked        = "VersionNotLocked"
	CodeVersionNotApproved      = "VersionNotApproved"
	CodeTemplateVersionMismatch = "TemplateVersionMismatch"
	CodeParentNotFound          = "ParentNotFound"
	CodeNotFound                = "not_found"
	CodeTimeout                 = "timeout"
	CodeNetworkError            = "network_error"
)
