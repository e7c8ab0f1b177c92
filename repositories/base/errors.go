package base

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// RepositoryError represents base repository error
type RepositoryError struct {
	Operation string
	Table     string
	Message   string
	Cause     error
}

func (e *RepositoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to %s %s: %s (caused by: %v)", e.Operation, e.Table, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to %s %s: %s", e.Operation, e.Table, e.Message)
}

func (e *RepositoryError) Unwrap() error {
	return e.Cause
}

// EntityNotFoundError represents entity not found error
type EntityNotFoundError struct {
	Table      string
	Identifier string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s with %s not found", e.Table, e.Identifier)
}

// DuplicateEntityError represents duplicate entity error
type DuplicateEntityError struct {
	Table string
	Field string
	Value string
}

func (e *DuplicateEntityError) Error() string {
	return fmt.Sprintf("%s with %s '%s' already exists", e.Table, e.Field, e.Value)
}

// WrapDBError wraps a gorm error with operation context.
func WrapDBError(operation, table string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{
		Operation: operation,
		Table:     table,
		Message:   "database operation failed",
		Cause:     err,
	}
}

// IsNotFound reports whether err is a missing-row condition.
func IsNotFound(err error) bool {
	var nf *EntityNotFoundError
	return errors.Is(err, gorm.ErrRecordNotFound) || errors.As(err, &nf)
}

// IsDuplicate reports whether err is a uniqueness violation. Requires
// gorm's TranslateError so driver errors surface as ErrDuplicatedKey.
func IsDuplicate(err error) bool {
	var dup *DuplicateEntityError
	return errors.Is(err, gorm.ErrDuplicatedKey) || errors.As(err, &dup)
}
