package executor

import (
	"fmt"

	"paperflow/internal/model"
)

// ClassifiedError carries the failure taxonomy through the execution
// pipeline: which class of failure, at which pipeline step, wrapping the
// underlying cause.
type ClassifiedError struct {
	Type model.ErrorType
	Step string
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Type, e.Step, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func NewDownloadError(step string, err error) *ClassifiedError {
	return &ClassifiedError{Type: model.ErrTypeDownload, Step: step, Err: err}
}

func NewAIServiceError(step string, err error) *ClassifiedError {
	return &ClassifiedError{Type: model.ErrTypeAIService, Step: step, Err: err}
}

func NewParseError(step string, err error) *ClassifiedError {
	return &ClassifiedError{Type: model.ErrTypeParse, Step: step, Err: err}
}

func NewTimeoutError(step string, err error) *ClassifiedError {
	return &ClassifiedError{Type: model.ErrTypeTimeout, Step: step, Err: err}
}
