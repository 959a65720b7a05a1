package observability

import (
	"errors"
	"fmt"
	"strings"
)

// AggregateErrors logs the non-nil errors once under operation and returns them joined.
// It returns nil when every entry is nil. The caller's fields are not modified.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			messages = append(messages, err.Error())
		}
	}
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("error_count", len(messages)),
		F("errors", strings.Join(messages, "; ")),
	)
	Log().Error(operation+" failed", logFields...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
