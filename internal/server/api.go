package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/protocol"
)

// UserHeader carries the caller's identity. Authentication happens in front
// of this server.
const UserHeader = "X-User-ID"

var (
	errMissingUser = fmt.Errorf("%w: missing %s header", gameerr.ErrInvalidRequest, UserHeader)
	errMissingRoom = fmt.Errorf("%w: missing room", gameerr.ErrInvalidRequest)
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms", s.withCaller(s.handleCreateRoom))
	mux.HandleFunc("GET /rooms", s.handleListRooms)
	mux.HandleFunc("POST /rooms/join", s.withCaller(s.handleJoinRoom))
	mux.HandleFunc("GET /rooms/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /rooms/{id}/rounds/{round}", s.handleGetRound)
	mux.HandleFunc("POST /rooms/{id}/leave", s.withCaller(s.handleLeave))
	mux.HandleFunc("POST /rooms/{id}/ready", s.withCaller(s.handleReady))
	mux.HandleFunc("POST /rooms/{id}/bets", s.withCaller(s.handlePlaceBet))
	mux.HandleFunc("POST /rooms/{id}/bets/clear", s.withCaller(s.handleClearBets))
	mux.HandleFunc("POST /rooms/{id}/rounds", s.withCaller(s.handleStartRound))
	mux.HandleFunc("POST /rooms/{id}/roll", s.withCaller(s.handleRoll))
	mux.HandleFunc("GET /wallets/me", s.withCaller(s.handleBalance))
	mux.HandleFunc("POST /wallets/me/adjust", s.withCaller(s.handleAdjustBalance))
}

func callerID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

type callerHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withCaller(h callerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := callerID(r)
		if userID == "" {
			s.writeError(w, r, errMissingUser)
			return
		}
		h(w, r, userID)
	}
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: %v", gameerr.ErrInvalidRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // Ignore write errors; the client is gone
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := gameerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, protocol.NewErrorData(err))
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.CreateRoomRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	room, err := s.lobby.CreateRoom(r.Context(), userID, req.MaxPlayers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.lobby.ListOpenRooms(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.JoinRoomRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	room, err := s.lobby.JoinRoom(r.Context(), req.Code, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.lobby.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	rd, err := s.lobby.Round(r.Context(), r.PathValue("id"), r.PathValue("round"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.lobby.LeaveRoom(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.LeaveResponse{
		Left:       res.Left,
		Refunded:   res.Refunded,
		HostChange: res.Change.String(),
		Room:       res.Room,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, userID string) {
	m, err := s.lobby.ToggleReady(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.PlaceBetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.lobby.PlaceBet(r.Context(), r.PathValue("id"), userID, req.Animal, req.Amount, req.RequestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BetResponse{Member: res.Member, Balance: res.Balance})
}

func (s *Server) handleClearBets(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.lobby.ClearBets(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BetResponse{Member: res.Member, Balance: res.Balance})
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request, userID string) {
	rd, err := s.rounds.StartRound(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

func (s *Server) handleRoll(w http.ResponseWriter, r *http.Request, userID string) {
	rd, err := s.rounds.Roll(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rd)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, userID string) {
	bal, err := s.lobby.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BalanceResponse{UserID: userID, Balance: bal})
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request, userID string) {
	var req protocol.AdjustBalanceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, applied, err := s.lobby.AdjustBalance(r.Context(), userID, req.Delta, req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.BalanceResponse{UserID: userID, Balance: bal, Applied: applied})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Subscribers: s.broker.Subscribers()})
}
