// Copyright (c) 2024 Relaynet Contributors
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package relayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/letterrelay/relaynet/internal/errs"
)

// errorBody is the wire shape of a failed response: a small JSON
// error type plus the standard Content-Type/nosniff headers.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func sendReply(w http.ResponseWriter, status int, data interface{}) {
	text, err := json.Marshal(data)
	if err != nil {
		sendErrorWithStatus(w, http.StatusInternalServerError, "internal", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(text)
}

func sendError(w http.ResponseWriter, err error) {
	sendErrorWithStatus(w, errs.StatusCode(err), taxonomyCode(err), err.Error())
}

func sendErrorWithStatus(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	text, err := json.Marshal(body)
	if err != nil {
		http.Error(w, `{"error":{"code":"internal","message":"internal server error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(text)
}

func sendMethodNotAllowed(w http.ResponseWriter) {
	sendErrorWithStatus(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func taxonomyCode(err error) string {
	switch {
	case errs.IsInvalidInput(err):
		return "invalid_input"
	case errs.IsInvariantViolation(err):
		return "invariant_violation"
	case errs.IsTransientIO(err):
		return "transient_io"
	case errs.IsSyncBlocked(err):
		return "sync_blocked"
	case errs.IsCancelled(err):
		return "cancelled"
	default:
		return "internal"
	}
}
