package appErrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{NewCampaignNotFound(1), true},
		{fmt.Errorf("load: %w", NewAttemptNotFound(2)), true},
		{NewRecipientNotFound(3), true},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsNotFound(tc.err); got != tc.want {
			t.Errorf("IsNotFound(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestTransitionError(t *testing.T) {
	err := TransitionError("completed", "running")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		nil:                                   http.StatusOK,
		NewCampaignNotFound(1):                http.StatusNotFound,
		NewTemplateError([]string{"x"}):       http.StatusUnprocessableEntity,
		TransitionError("draft", "paused"):    http.StatusConflict,
		ErrDuplicateRecipient:                 http.StatusConflict,
		fmt.Errorf("%w: no", ErrPrecondition): http.StatusConflict,
		InvalidInput("name is required"):      http.StatusBadRequest,
		errors.New("db down"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := HTTPStatus(err); got != want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
