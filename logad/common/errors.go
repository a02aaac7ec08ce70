package common

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Common error types used across logad packages
var (
	ErrPathEmpty           = errors.New("path cannot be empty")
	ErrPathNotFound        = errors.New("path not found")
	ErrNotDirectory        = errors.New("path is not a directory")
	ErrUnsupportedFileType = errors.New("file type not supported")
	ErrUnknownFormat       = errors.New("unknown line format")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrEmptyDataset        = errors.New("dataset produced no lines")
)

// ValidateContextCancellation checks if context is cancelled and returns appropriate error
func ValidateContextCancellation(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ValidateRequiredString validates that a string is not empty
func ValidateRequiredString(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidConfig, fieldName)
	}
	return nil
}

// ValidatePathExists validates that a file or directory exists
func ValidatePathExists(path string) error {
	if path == "" {
		return ErrPathEmpty
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return fmt.Errorf("failed to access %s: %w", path, err)
	}
	return nil
}

// ValidateDirectoryExists validates that a directory exists
func ValidateDirectoryExists(path string) error {
	if err := ValidatePathExists(path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to access directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(message, args...), err)
}

// ShapeError reports two collections whose lengths must agree.
func ShapeError(what string, want, got int) error {
	return fmt.Errorf("%w: %s: want %d, got %d", ErrShapeMismatch, what, want, got)
}
