package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/storyroom/internal/database"
	"github.com/npezzotti/storyroom/internal/story"
	"github.com/npezzotti/storyroom/internal/types"
)

type ApiError struct {
	StatusCode    int                  `json:"status_code"`
	Message       string               `json:"message"`
	Violations    []string             `json:"violations,omitempty"`
	TimeoutEvents []types.TimeoutEvent `json:"timeout_events,omitempty"`
	Err           error                `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewConflictError(message string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    message,
	}
}

// NewValidationError lists the request fields that failed validation.
func NewValidationError(err error) *ApiError {
	apiErr := NewBadRequestError()

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			apiErr.Violations = append(apiErr.Violations, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
		}
	}

	return apiErr
}

// fromStoryError maps coordinator and store errors onto HTTP errors.
func fromStoryError(err error) *ApiError {
	var serr *story.Error
	if errors.As(err, &serr) {
		apiErr := &ApiError{
			Message:       serr.Message,
			Violations:    serr.Violations,
			TimeoutEvents: serr.TimeoutEvents,
			Err:           err,
		}

		switch serr.Kind {
		case story.KindNotFound:
			apiErr.StatusCode = http.StatusNotFound
		case story.KindForbidden:
			apiErr.StatusCode = http.StatusForbidden
		case story.KindConflict:
			apiErr.StatusCode = http.StatusConflict
		case story.KindUnprocessable:
			apiErr.StatusCode = http.StatusUnprocessableEntity
		default:
			apiErr.StatusCode = http.StatusBadRequest
		}

		return apiErr
	}

	if errors.Is(err, database.ErrNotFound) {
		return NewNotFoundError()
	}

	return NewInternalServerError(err)
}
