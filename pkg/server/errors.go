package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loopcore/loopcore/pkg/session"
)

// Errors returned by conversation/session lookups, mapped to HTTP status
// codes by writeError.
var (
	ErrConversationNotFound = errors.New("server: conversation not found")
	ErrConversationExists   = errors.New("server: conversation already exists")
	ErrToolNotPending       = errors.New("server: tool is not awaiting confirmation")
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrConversationExists):
		status = http.StatusConflict
	case errors.Is(err, ErrToolNotPending):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
