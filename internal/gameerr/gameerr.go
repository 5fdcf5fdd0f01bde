// Package gameerr defines the error kinds shared by the room engine, the
// server and the client, and their mapping to wire codes.
package gameerr

import (
	"errors"
	"net/http"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoundNotFound       = errors.New("round not found")
	ErrRoomFull            = errors.New("room is full")
	ErrInvalidPhase        = errors.New("action not allowed in the current round phase")
	ErrPlayersNotReady     = errors.New("not all players are ready")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNetwork             = errors.New("network failure")
	ErrStaleResponse       = errors.New("stale response")
	ErrNotHost             = errors.New("only the host can do that")
	ErrNotMember           = errors.New("not a member of this room")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Wire codes, one per error kind.
const (
	CodeRoomNotFound        = "room_not_found"
	CodeRoundNotFound       = "round_not_found"
	CodeRoomFull            = "room_full"
	CodeInvalidPhase        = "invalid_phase"
	CodePlayersNotReady     = "players_not_ready"
	CodeInsufficientBalance = "insufficient_balance"
	CodeNetwork             = "network_failure"
	CodeStaleResponse       = "stale_response"
	CodeNotHost             = "not_host"
	CodeNotMember           = "not_member"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal"
)

var kinds = []struct {
	err    error
	code   string
	status int
}{
	{ErrRoomNotFound, CodeRoomNotFound, http.StatusNotFound},
	{ErrRoundNotFound, CodeRoundNotFound, http.StatusNotFound},
	{ErrRoomFull, CodeRoomFull, http.StatusConflict},
	{ErrInvalidPhase, CodeInvalidPhase, http.StatusConflict},
	{ErrPlayersNotReady, CodePlayersNotReady, http.StatusConflict},
	{ErrInsufficientBalance, CodeInsufficientBalance, http.StatusPaymentRequired},
	{ErrNotHost, CodeNotHost, http.StatusForbidden},
	{ErrNotMember, CodeNotMember, http.StatusForbidden},
	{ErrInvalidRequest, CodeInvalidRequest, http.StatusBadRequest},
	{ErrNetwork, CodeNetwork, http.StatusServiceUnavailable},
	{ErrStaleResponse, CodeStaleResponse, http.StatusConflict},
}

// Code returns the wire code for err, or CodeInternal for unknown errors.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status a server should answer err with.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// FromCode maps a wire code back to its sentinel error. Unknown codes map to nil.
func FromCode(code string) error {
	for _, k := range kinds {
		if k.code == code {
			return k.err
		}
	}
	return nil
}

// IsValidation reports whether err is a synchronous, user-visible validation
// failure. These are never retried; the user has to change their input.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrInvalidPhase),
		errors.Is(err, ErrPlayersNotReady),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrNotHost),
		errors.Is(err, ErrNotMember),
		errors.Is(err, ErrInvalidRequest):
		return true
	}
	return false
}

// IsTransient reports whether err should be healed by the next poll cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}
