package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppErrorMessage(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "bad ssrc", 400)
	if got, want := err.Error(), "INVALID_INPUT: bad ssrc"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapErrorKeepsCauseInMessageAndChain(t *testing.T) {
	cause := errors.New("redis gone")
	err := WrapError(cause, ErrCodeInternal, "notify failed", 500)

	if !strings.Contains(err.Error(), "redis gone") {
		t.Errorf("Error() should mention cause, got %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
}

func TestWithContext(t *testing.T) {
	err := NewInvalidInputError("bad kind").
		WithContext("kind", "screen").
		WithContext("attempt", 2)

	if err.Context["kind"] != "screen" {
		t.Errorf("Context[kind] = %v, want screen", err.Context["kind"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Context[attempt] = %v, want 2", err.Context["attempt"])
	}
}

func TestConstructorStatusCodes(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("x"), ErrCodeInvalidInput, 400},
		{NewNotFoundError("consumer"), ErrCodeNotFound, 404},
		{NewUnauthorizedError("x"), ErrCodeUnauthorized, 401},
		{NewForbiddenError("x"), ErrCodeForbidden, 403},
		{NewRateLimitError(), ErrCodeRateLimit, 429},
		{NewInternalError("x"), ErrCodeInternal, 500},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("%s: HTTPStatus = %d, want %d", tc.code, tc.err.HTTPStatus, tc.status)
		}
	}
}

func TestNotFoundErrorNamesResource(t *testing.T) {
	err := NewNotFoundError("producer")
	if !strings.Contains(err.Message, "producer") {
		t.Errorf("Message = %q, should name the resource", err.Message)
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewInvalidInputError("bad input")

	if got := GetAppError(appErr); got != appErr {
		t.Errorf("GetAppError(direct) = %v, want %v", got, appErr)
	}
	if got := GetAppError(fmt.Errorf("handler: %w", appErr)); got != appErr {
		t.Errorf("GetAppError(wrapped) = %v, want %v", got, appErr)
	}
	if got := GetAppError(errors.New("plain")); got != nil {
		t.Errorf("GetAppError(plain) = %v, want nil", got)
	}
	if got := GetAppError(nil); got != nil {
		t.Errorf("GetAppError(nil) = %v, want nil", got)
	}
}
