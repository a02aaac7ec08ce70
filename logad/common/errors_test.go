package common

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDirectoryExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.NoError(t, ValidateDirectoryExists(dir))
	assert.ErrorIs(t, ValidateDirectoryExists(file), ErrNotDirectory)
	assert.ErrorIs(t, ValidateDirectoryExists(filepath.Join(dir, "missing")), ErrPathNotFound)
	assert.ErrorIs(t, ValidateDirectoryExists(""), ErrPathEmpty)
}

func TestWrapErrorKeepsKind(t *testing.T) {
	assert.Nil(t, WrapError(nil, "noop"))

	err := WrapError(ErrUnsupportedFileType, "open %s", "x.bz2")
	assert.ErrorIs(t, err, ErrUnsupportedFileType)
	assert.Equal(t, "open x.bz2: file type not supported", err.Error())
}

func TestShapeError(t *testing.T) {
	err := ShapeError("gold labels", 3, 2)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.Contains(t, err.Error(), "want 3, got 2")
}

func TestValidateContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, ValidateContextCancellation(ctx))
	cancel()
	assert.ErrorIs(t, ValidateContextCancellation(ctx), context.Canceled)
}

func TestValidateRequiredString(t *testing.T) {
	assert.NoError(t, ValidateRequiredString("lanl", "corpus.name"))
	assert.ErrorIs(t, ValidateRequiredString("  ", "corpus.name"), ErrInvalidConfig)
}
