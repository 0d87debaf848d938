package apiServer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/envelope"
	"github.com/i5heu/ouroboros-vault/pkg/keystore"
)

type ctxKey struct{}

func withLogger(ctx context.Context, log *logrus.Entry) context.Context { // A
	return context.WithValue(ctx, ctxKey{}, log)
}

func (s *Server) logger(r *http.Request) *logrus.Entry {
	if log, ok := r.Context().Value(ctxKey{}).(*logrus.Entry); ok {
		return log
	}
	return logrus.NewEntry(s.log)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) { // A
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, payload any) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps vault errors onto HTTP statuses.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, vault.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, envelope.ErrKeyUnavailable),
		errors.Is(err, keystore.ErrKeyMaterialMissing),
		errors.Is(err, keystore.ErrKeyMaterialCorrupt):
		return http.StatusServiceUnavailable
	case errors.Is(err, envelope.ErrKeyUnwrapFailure),
		errors.Is(err, envelope.ErrEnvelopeTooShort),
		errors.Is(err, envelope.ErrIntegrityFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and answers with its status. Server errors keep their
// details in the log only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	entry := s.logger(r).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error(msg)
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	entry.Info(msg)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// WithLogger replaces the standard logrus logger. nil is ignored.
func WithLogger(logger *logrus.Logger) Option { // HC
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithAuth installs a request authenticator. nil is ignored.
func WithAuth(auth AuthFunc) Option { // HC
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}

// WithMaxUploadBytes caps request bodies of uploads.
func WithMaxUploadBytes(n int64) Option { // A
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}
