// Package apiServer exposes a vault over HTTP.
package apiServer

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	vault "github.com/i5heu/ouroboros-vault"
)

const (
	defaultMaxUpload = 64 << 20
	requestIDHeader  = "X-Request-Id"
)

// Vault is the part of *vault.Vault the server uses.
type Vault interface {
	Store(ctx context.Context, pathHint string, r io.Reader) (vault.StoredObject, error)
	Retrieve(ctx context.Context, path string) ([]byte, error)
	Collect(ctx context.Context, prefix string) ([]vault.StoredObject, error)
}

// PublicKeySource serves the deployment public key. *keystore.Store
// implements it.
type PublicKeySource interface {
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
}

// AuthFunc rejects a request by returning an error. The default accepts all.
type AuthFunc func(r *http.Request) error

// Option configures a Server.
type Option func(*Server)

// Server routes the vault HTTP API. It is an http.Handler.
type Server struct {
	mux       *http.ServeMux
	vault     Vault
	keys      PublicKeySource
	log       *logrus.Logger
	auth      AuthFunc
	maxUpload int64
}

// New builds a Server over v. keys serves GET /api/key.
func New(v Vault, keys PublicKeySource, opts ...Option) *Server { // A
	s := &Server{
		mux:       http.NewServeMux(),
		vault:     v,
		keys:      keys,
		log:       logrus.StandardLogger(),
		auth:      func(*http.Request) error { return nil },
		maxUpload: defaultMaxUpload,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() { // AC
	s.mux.HandleFunc("GET /api/files", s.handleList)
	s.mux.HandleFunc("GET /api/file/{path...}", s.handleGet)
	s.mux.HandleFunc("PUT /api/file/{path...}", s.handleStore)
	s.mux.HandleFunc("POST /api/file/{path...}", s.handleStore)
	s.mux.HandleFunc("GET /api/key", s.handleKey)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	start := time.Now()

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Content-Type, Accept, X-Request-Id"
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Length, X-Request-Id")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     r.Method,
		"path":       r.URL.Path,
	})

	if err := s.auth(r); err != nil {
		log.WithError(err).Warn("authentication failed")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r.WithContext(withLogger(r.Context(), log)))

	log.WithFields(logrus.Fields{
		"status":   rec.status,
		"bytes":    rec.bytes,
		"duration": time.Since(start).String(),
	}).Debug("request served")
}
