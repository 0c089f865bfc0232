package api

import (
	"errors"
	"net/http"

	"github.com/SimplyPrint/eid-notes/internal/eid"
	"github.com/SimplyPrint/eid-notes/internal/session"
)

// Error codes shared by the HTTP and WebSocket responses.
const (
	codeWrongPIN    = "wrong_pin"
	codePINBlocked  = "pin_blocked"
	codePINRequired = "pin_required"
	codeInvalidPIN  = "invalid_pin"
	codeUnknownPIN  = "unknown_pin"
	codeCardRemoved = "card_removed"
	codeTooLarge    = "notes_too_large"
	codeNoCard      = "no_card"
	codeNoReader    = "no_reader"
	codeUnavailable = "unavailable"
	codeBadRequest  = "bad_request"
	codeInternal    = "internal"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// classifyError maps a card error to an HTTP status and response body.
func classifyError(err error) (int, map[string]any) {
	status, code := http.StatusInternalServerError, codeInternal

	var wrong *eid.WrongPINError
	switch {
	case errors.As(err, &wrong), errors.Is(err, eid.ErrWrongPIN):
		status, code = http.StatusUnauthorized, codeWrongPIN
	case errors.Is(err, eid.ErrPINBlocked):
		status, code = http.StatusLocked, codePINBlocked
	case errors.Is(err, eid.ErrPINCancelled):
		status, code = http.StatusBadRequest, codePINRequired
	case errors.Is(err, eid.ErrInvalidPIN):
		status, code = http.StatusBadRequest, codeInvalidPIN
	case errors.Is(err, eid.ErrUnknownPIN):
		status, code = http.StatusBadRequest, codeUnknownPIN
	case errors.Is(err, eid.ErrCardRemoved):
		status, code = http.StatusGone, codeCardRemoved
	case errors.Is(err, eid.ErrNotesTooLarge):
		status, code = http.StatusRequestEntityTooLarge, codeTooLarge
	case errors.Is(err, eid.ErrNoCard):
		status, code = http.StatusNotFound, codeNoCard
	case errors.Is(err, eid.ErrNoReader):
		status, code = http.StatusNotFound, codeNoReader
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, codeBadRequest
	case errors.Is(err, eid.ErrReleased), errors.Is(err, eid.ErrNotInitialized), errors.Is(err, session.ErrServiceClosed):
		status, code = http.StatusServiceUnavailable, codeUnavailable
	}

	body := map[string]any{
		"error": err.Error(),
		"code":  code,
	}
	if wrong != nil {
		body["triesLeft"] = wrong.TriesLeft
	}
	return status, body
}
