package async

import (
	"context"
	"strings"

	"github.com/teranos/tock/errors"
)

// ErrorCode classifies a run failure for logs and the run stream.
type ErrorCode string

const (
	ErrorCodeTimeout     ErrorCode = "timeout"
	ErrorCodeCancelled   ErrorCode = "cancelled"
	ErrorCodeExecutor    ErrorCode = "executor_error"
	ErrorCodeUnavailable ErrorCode = "unavailable"
	ErrorCodeNetwork     ErrorCode = "network_error"
	ErrorCodeDatabase    ErrorCode = "database_error"
	ErrorCodeUnknown     ErrorCode = "unknown"
)

// ClassifyError categorizes a run failure. Sentinel marks win over message
// patterns.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		return ErrorCodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCodeCancelled
	case errors.Is(err, errors.ErrServiceUnavailable):
		return ErrorCodeUnavailable
	case errors.Is(err, errors.ErrExecutor):
		return ErrorCodeExecutor
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return ErrorCodeNetwork
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		return ErrorCodeDatabase
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out"):
		return ErrorCodeTimeout
	}
	return ErrorCodeUnknown
}
