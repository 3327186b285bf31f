package binder

import "fmt"

// Validation failure codes surfaced by Position/Card Store operations.
const (
	ValidationPositionOutOfRange = "position_out_of_range"
	ValidationSamePosition       = "same_position"
	ValidationSourceEmpty        = "source_empty"
	ValidationCoverPageProtected = "cover_page_protected"
	ValidationPageOutOfRange     = "page_out_of_range"
	ValidationMaxPagesReached    = "max_pages_reached"
	ValidationMinPagesReached    = "min_pages_reached"
	ValidationPageNotEmpty       = "page_not_empty"
)

// ValidationError reports a rejected store mutation. The binder is left
// unchanged and no change record is written.
type ValidationError struct {
	Code          string
	Detail        string
	BlockingCards int
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("binder: validation failed: %s", e.Code)
	}
	return fmt.Sprintf("binder: validation failed: %s: %s", e.Code, e.Detail)
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports a mutation attempted by a principal that does
// not own the binder. The mutation is rejected before touching storage.
type AuthorizationError struct {
	ActorID string
	OwnerID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("binder: actor %q is not the owner %q", e.ActorID, e.OwnerID)
}
