package cmd

import (
	"context"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/labmeta/pkg/filestore"
	"github.com/3leaps/labmeta/pkg/resource"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		err     error
		want    string
	}{
		{name: "basic error", code: 1, message: "Something failed", err: assert.AnError, want: "Something failed"},
		{name: "includes exit code", code: 32, message: "Auth failed", err: assert.AnError, want: "exit code 32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitError(tt.code, tt.message, tt.err)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.code, ExitCode(err))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(assert.AnError))
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"resource not found", &resource.Error{Op: "Get", Err: resource.ErrNotFound}, foundry.ExitFileNotFound},
		{"store not found", &filestore.StoreError{Op: "Read", Err: filestore.ErrNotFound}, foundry.ExitFileNotFound},
		{"invalid argument", resource.InvalidArgument("bad"), foundry.ExitInvalidArgument},
		{"already exists", &resource.Error{Op: "Create", Err: resource.ErrAlreadyExists}, foundry.ExitInvalidArgument},
		{"corrupt", &resource.Error{Op: "Load", Err: resource.ErrCorruptData}, foundry.ExitFileReadError},
		{"unavailable", &filestore.StoreError{Op: "List", Err: filestore.ErrUnavailable}, foundry.ExitExternalServiceUnavailable},
		{"other", assert.AnError, foundry.ExitFileWriteError},
		{"cancelled", fmt.Errorf("list: %w", context.Canceled), foundry.ExitSignalInt},
		{"already mapped", exitError(foundry.ExitSignalInt, "x", assert.AnError), foundry.ExitSignalInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ExitCode(storeError("op failed", tt.err)))
		})
	}
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(5), parseValue("5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, map[string]any{"a": float64(1)}, parseValue(`{"a":1}`))
	assert.Equal(t, "plain text", parseValue("plain text"))
	assert.Nil(t, parseValue("null"))
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"all", "a\nb\nc\n", 0, "a\nb\nc\n"},
		{"last two", "a\nb\nc\n", 2, "b\nc\n"},
		{"more than available", "a\nb\n", 5, "a\nb\n"},
		{"no trailing newline", "a\nb\nc", 1, "c"},
		{"empty", "", 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tailLines(tt.in, tt.n))
		})
	}
}

func TestKindDir(t *testing.T) {
	assert.Equal(t, "jobs", kindDir("job"))
	assert.Equal(t, "jobs", kindDir("Jobs"))
	assert.Equal(t, "experiments", kindDir(" experiment "))
}
