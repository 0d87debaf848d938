package apiServer

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-vault/pkg/keystore"
)

type keyResponse struct {
	Fingerprint  string `json:"fingerprint"`
	Bits         int    `json:"bits"`
	PublicKeyPEM string `json:"public_key_pem"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) { // A
	objects, err := s.vault.Collect(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, r, "failed to list files", err)
		return
	}
	writeJSON(w, http.StatusOK, objects)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) { // A
	p := r.PathValue("path")

	content, err := s.vault.Retrieve(r.Context(), p)
	if err != nil {
		s.writeError(w, r, "failed to retrieve file", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	if name := path.Base(p); name != "" && name != "." && name != "/" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		s.logger(r).WithError(err).Warn("failed to write response body")
	}
}

// handleStore accepts either the raw file as body or a multipart form with a
// "file" field.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) { // PA
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	body := io.Reader(r.Body)
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "multipart/form-data") {
		mr, err := r.MultipartReader()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart body: " + err.Error()})
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "file field is required"})
				return
			}
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					s.writeError(w, r, "upload too large", err)
					return
				}
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart body: " + err.Error()})
				return
			}
			if part.FormName() == "file" {
				body = part
				break
			}
		}
	}

	obj, err := s.vault.Store(r.Context(), r.PathValue("path"), body)
	if err != nil {
		s.writeError(w, r, "failed to store file", err)
		return
	}
	s.logger(r).WithField("cid", obj.ContentID).Info("stored file")
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) { // A
	pub, err := s.keys.PublicKey(r.Context())
	if err != nil {
		s.writeError(w, r, "failed to load public key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{
		Fingerprint:  keystore.Fingerprint(pub),
		Bits:         pub.N.BitLen(),
		PublicKeyPEM: string(keystore.EncodePublicPEM(pub)),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) { // A
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}
