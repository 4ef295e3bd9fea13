// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrInvalidTransition is returned when a campaign status change is not allowed.
var ErrInvalidTransition = errors.New("invalid campaign status transition")

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrAttemptNotFound struct {
	AttemptID int
}

func (e *ErrAttemptNotFound) Error() string {
	return fmt.Sprintf("dispatch attempt with ID %d not found", e.AttemptID)
}

func NewAttemptNotFound(id int) error {
	return &ErrAttemptNotFound{AttemptID: id}
}

type ErrRecipientNotFound struct {
	RecipientID int
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
}

func NewRecipientNotFound(id int) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

// IsNotFound reports whether err is one of the not-found errors above.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var a *ErrAttemptNotFound
	var r *ErrRecipientNotFound
	return errors.As(err, &c) || errors.As(err, &a) || errors.As(err, &r)
}

// TemplateError carries the problems found while validating a template.
type TemplateError struct {
	Problems []string
}

func (e *TemplateError) Error() string {
	return "invalid template: " + strings.Join(e.Problems, "; ")
}

func NewTemplateError(problems []string) error {
	return &TemplateError{Problems: problems}
}

// TransitionError wraps ErrInvalidTransition with the statuses involved.
func TransitionError(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ErrDuplicateRecipient is returned when a recipient address already exists.
var ErrDuplicateRecipient = errors.New("recipient with this address already exists")

var (
	// ErrInvalidInput marks a request the caller must fix.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPrecondition marks an action the campaign is not ready for.
	ErrPrecondition = errors.New("precondition failed")
)

func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an application error onto a response code.
func HTTPStatus(err error) int {
	var te *TemplateError
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateRecipient), errors.Is(err, ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
