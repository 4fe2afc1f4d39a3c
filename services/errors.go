package services

import (
	"errors"
	"fmt"
	"strings"

	"besitos-engine/models"
)

var (
	// ErrValidation marks malformed input or a payload that does not match its type tag.
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyStarted      = errors.New("mission already started")
	ErrAlreadyClaimed      = errors.New("mission already claimed")
	ErrMissionNotCompleted = errors.New("mission not completed")
	// ErrLockedReward means the reward's unlock condition is not met.
	ErrLockedReward   = errors.New("reward locked")
	ErrAlreadyOwned   = errors.New("reward already owned")
	ErrNotPurchasable = errors.New("reward not purchasable")
	ErrNotFound       = errors.New("not found")
	ErrLevelInUse     = errors.New("level referenced by accounts")
	// ErrTransactionAborted means a multi-entity write was rolled back.
	ErrTransactionAborted = errors.New("transaction aborted")
)

// ValidationError carries every issue found, not just the first.
type ValidationError struct {
	Issues []models.Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(issues []models.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

func invalidf(path, format string, args ...any) error {
	return &ValidationError{Issues: []models.Issue{{Path: path, Message: fmt.Sprintf(format, args...)}}}
}

// IssuesOf extracts validation issues from err, if any.
func IssuesOf(err error) []models.Issue {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Issues
	}
	return nil
}

// AbortedError names the sub-specification whose write failed.
type AbortedError struct {
	Stage string
	Err   error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("transaction aborted at %s: %v", e.Stage, e.Err)
}

func (e *AbortedError) Unwrap() []error { return []error{ErrTransactionAborted, e.Err} }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
