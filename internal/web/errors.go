// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package web

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/keyward/keyward/pkg/errutil"
)

// codeInternal is reported for failures that carry no client-facing code.
const codeInternal = "INTERNAL_ERROR"

const msgInternal = "internal server error"

var statusByCode = map[string]int{
	errutil.CodeDuplicateIdentity:  http.StatusConflict,
	errutil.CodeInvalidCredentials: http.StatusUnauthorized,
	errutil.CodeInvalidSession:     http.StatusUnauthorized,
	errutil.CodeNotFound:           http.StatusNotFound,
	errutil.CodeInvalidKeyFormat:   http.StatusBadRequest,
	errutil.CodeInvalidUsername:    http.StatusBadRequest,
	errutil.CodeInvalidEmail:       http.StatusBadRequest,
	errutil.CodeInvalidPassword:    http.StatusBadRequest,
	errutil.CodeInvalidRequest:     http.StatusBadRequest,
	errutil.CodeRateLimited:        http.StatusTooManyRequests,
}

// StatusFor maps an error code to an HTTP status. Unknown codes,
// STORAGE_ERROR included, are 500.
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errutil.Code(err)
	status := StatusFor(code)

	if status == http.StatusInternalServerError {
		errutil.LogError(h.logger, "request failed", oops.With("path", r.URL.Path).Wrap(err))
		if code != errutil.CodeStorage {
			code = codeInternal
		}
		_ = writeJSON(w, status, errorResponse{Error: msgInternal, Code: code})
		return
	}

	if status == http.StatusTooManyRequests {
		if secs, ok := retryAfterSeconds(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	h.logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "code", code, "error", err)
	_ = writeJSON(w, status, errorResponse{
		Error: errutil.PublicMessage(err, http.StatusText(status)),
		Code:  code,
	})
}

func retryAfterSeconds(err error) (int, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	raw, ok := oopsErr.Context()["retry_after"].(string)
	if !ok {
		return 0, false
	}
	d, perr := time.ParseDuration(raw)
	if perr != nil || d <= 0 {
		return 0, false
	}
	return int(math.Ceil(d.Seconds())), true
}
