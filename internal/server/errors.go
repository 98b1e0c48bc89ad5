// internal/server/errors.go
package server

import (
	"errors"

	"silk-kcal/internal/ai"
	"silk-kcal/internal/backend"
	"silk-kcal/internal/capture"
	"silk-kcal/internal/history"
	"silk-kcal/internal/session"
	"silk-kcal/internal/timeline"
)

var errInvalidParams = errors.New("invalid parameters")

var errorCodes = []struct {
	err  error
	code string
}{
	{errInvalidParams, "invalid_params"},
	{backend.ErrMissingFields, "missing_fields"},
	{backend.ErrInvalidEmail, "invalid_email"},
	{backend.ErrWeakPassword, "weak_password"},
	{backend.ErrInvalidCredentials, "invalid_credentials"},
	{backend.ErrUserExists, "user_exists"},
	{backend.ErrInvalidRecoveryInfo, "invalid_recovery_answer"},
	{backend.ErrUnsupported, "unsupported"},
	{backend.ErrNotAuthenticated, "not_authenticated"},
	{session.ErrNotAuthenticated, "not_authenticated"},
	{history.ErrNoUser, "not_authenticated"},
	{session.ErrPasswordMismatch, "password_mismatch"},
	{session.ErrNotOnboarding, "not_onboarding"},
	{backend.ErrNotFound, "not_found"},
	{history.ErrUnknownRecord, "not_found"},
	{capture.ErrBusy, "busy"},
	{capture.ErrNoResult, "no_result"},
	{capture.ErrEmptyInput, "empty_input"},
	{capture.ErrSuperseded, "superseded"},
	{ai.ErrMalformedResponse, "malformed_response"},
	{timeline.ErrIncompleteDay, "incomplete_day"},
	{timeline.ErrUnknownDay, "unknown_day"},
	{timeline.ErrSelecting, "selecting"},
	{timeline.ErrNotSelecting, "not_selecting"},
}

// errorCode gives clients a stable name for the sentinel behind err.
func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "failed"
}
