package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/urbanflow/internal/auth"
	"github.com/example/urbanflow/internal/idempotency"
	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/rides"
	"github.com/example/urbanflow/internal/storage"
)

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details any) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// errorStatus maps domain errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, rides.ErrInvalidInput), errors.Is(err, errMissingActor):
		return http.StatusBadRequest
	case errors.Is(err, rides.ErrForbidden), errors.Is(err, errForeignActor):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rides.ErrAlreadyTaken), errors.Is(err, rides.ErrInvalidTransition), errors.Is(err, rides.ErrAlreadyRated),
		errors.Is(err, matcher.ErrRideNotPending), errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, rides.ErrOfferExpired):
		return http.StatusGone
	case errors.Is(err, rides.ErrInvalidOTP):
		return http.StatusUnprocessableEntity
	case errors.Is(err, matcher.ErrLookup), errors.Is(err, matcher.ErrInsert):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, status, "internal error", nil)
		return
	}
	msg := err.Error()
	if errors.Is(err, storage.ErrNotFound) {
		msg = "not found"
	}
	writeError(w, status, msg, nil)
}

var (
	errForeignActor = errors.New("actor does not match the authenticated user")
	errMissingActor = errors.New("user id is required")
)

// actor resolves who is acting. With authentication on it is the token
// subject, and a different claimed id is rejected. Without it the claimed
// id is trusted.
func actor(r *http.Request, claimed string) (string, error) {
	if p, ok := auth.FromContext(r.Context()); ok {
		if claimed != "" && claimed != p.UserID {
			return "", errForeignActor
		}
		return p.UserID, nil
	}
	if claimed == "" {
		claimed = r.Header.Get("X-User-ID")
	}
	if claimed == "" {
		return "", errMissingActor
	}
	return claimed, nil
}

// viewer is the caller's id for read-only access checks; empty when unknown.
func viewer(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p.UserID
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		return v
	}
	return r.Header.Get("X-User-ID")
}

// sameUser rejects authenticated callers reading another user's resources.
func sameUser(r *http.Request, id string) error {
	if p, ok := auth.FromContext(r.Context()); ok && p.UserID != id {
		return errForeignActor
	}
	return nil
}

// owns rejects callers, authenticated or identified by X-User-ID, that are
// not userID.
func owns(r *http.Request, userID string) error {
	if err := sameUser(r, userID); err != nil {
		return err
	}
	if v := viewer(r); v != "" && v != userID {
		return errForeignActor
	}
	return nil
}

// idempotent runs fn once per Idempotency-Key and caller. Successful
// responses are stored and replayed; failures release the key so the client
// can retry.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, caller string, fn func() (int, any)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || s.Idem == nil {
		status, body := fn()
		writeJSON(w, status, body)
		return
	}
	scoped := r.URL.Path + ":" + caller + ":" + key
	rec, err := s.Idem.Reserve(r.Context(), scoped)
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	case err != nil:
		s.logger.Warn("idempotency store unavailable", "error", err)
		status, body := fn()
		writeJSON(w, status, body)
		return
	case rec != nil:
		w.Header().Set("Idempotent-Replayed", "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.Status)
		_, _ = w.Write(rec.Body)
		return
	}

	status, body := fn()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil || status/100 != 2 {
		if rerr := s.Idem.Release(r.Context(), scoped); rerr != nil {
			s.logger.Warn("idempotency release failed", "error", rerr)
		}
		writeJSON(w, status, body)
		return
	}
	if err := s.Idem.Complete(r.Context(), scoped, idempotency.Record{Status: status, Body: buf.Bytes()}); err != nil {
		s.logger.Warn("idempotency complete failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
