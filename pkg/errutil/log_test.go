// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyward/keyward/pkg/errutil"
)

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.Code(errutil.CodeStorage).
		With("path", "/var/lib/keyward/identity.json").
		Errorf("write failed")

	errutil.LogError(logger, "identity bootstrap failed", err)

	var logEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "ERROR", logEntry["level"])
	assert.Equal(t, "identity bootstrap failed", logEntry["msg"])
	assert.Equal(t, errutil.CodeStorage, logEntry["code"])
	assert.Contains(t, logEntry, "context")
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	var logEntry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "ERROR", logEntry["level"])
	assert.Contains(t, logEntry["error"], "standard error")
	assert.NotContains(t, logEntry, "code")
}

func TestPublicMessage(t *testing.T) {
	err := oops.Code(errutil.CodeDuplicateIdentity).
		Public("username or email already registered").
		Errorf("username alice exists")
	assert.Equal(t, "username or email already registered", errutil.PublicMessage(err, "internal error"))
	assert.Equal(t, "internal error", errutil.PublicMessage(errors.New("boom"), "internal error"))
}
