package apiServer

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/internal/testutil"
	"github.com/i5heu/ouroboros-vault/pkg/envelope"
	"github.com/i5heu/ouroboros-vault/pkg/gateway"
	"github.com/i5heu/ouroboros-vault/pkg/keystore"
)

type apiHarness struct {
	t      *testing.T
	server *Server
	keys   *keystore.Store
	gw     gateway.Gateway
}

func newAPIHarness(t *testing.T, opts ...Option) *apiHarness { // A
	t.Helper()
	gw := testutil.Badger(t)
	return newHarnessOn(t, gw, 0, opts...)
}

func newHarnessOn(t *testing.T, gw gateway.Gateway, keyIdx int, opts ...Option) *apiHarness { // A
	t.Helper()
	keys := keystore.FromKeys(testutil.Key(t, keyIdx))
	v, err := vault.New(keys, gw, vault.Config{
		Scheme: envelope.NewScheme(testutil.KeyBits, false),
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	opts = append([]Option{WithLogger(testutil.Logger())}, opts...)
	return &apiHarness{t: t, server: New(v, keys, opts...), keys: keys, gw: gw}
}

func (h *apiHarness) request(method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder { // A
	h.t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) requireStatus(rec *httptest.ResponseRecorder, expected int) { // A
	h.t.Helper()
	if rec.Code != expected {
		h.t.Fatalf("expected status %d, got %d: %s", expected, rec.Code, rec.Body.String())
	}
}

func (h *apiHarness) put(p string, content []byte) vault.StoredObject {
	h.t.Helper()
	rec := h.request(http.MethodPut, "/api/file"+p, bytes.NewReader(content), nil)
	h.requireStatus(rec, http.StatusCreated)
	var obj vault.StoredObject
	decodeJSONResponse(h.t, rec, &obj)
	return obj
}

func decodeJSONResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) { // A
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func newMultipartRequest(t *testing.T, target, field string, payload []byte) *http.Request { // A
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile(field, "upload.bin")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestStoreGetAndList(t *testing.T) { // A
	h := newAPIHarness(t)

	obj := h.put("/docs/a.txt", []byte("hello world"))
	if obj.Path != "/encrypted/docs/a.txt" {
		t.Fatalf("unexpected path %q", obj.Path)
	}
	if obj.ContentID == "" || obj.Size == 0 {
		t.Fatalf("incomplete stored object %+v", obj)
	}

	rec := h.request(http.MethodGet, "/api/file/docs/a.txt", nil, nil)
	h.requireStatus(rec, http.StatusOK)
	if got := rec.Body.String(); got != "hello world" {
		t.Fatalf("unexpected body %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "11" {
		t.Fatalf("unexpected content length %q", cl)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename=a.txt`) {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	listRec := h.request(http.MethodGet, "/api/files", nil, nil)
	h.requireStatus(listRec, http.StatusOK)
	var listed []vault.StoredObject
	decodeJSONResponse(t, listRec, &listed)
	if len(listed) != 1 || listed[0] != obj {
		t.Fatalf("unexpected listing %+v", listed)
	}
}

func TestListEmptyAndPrefix(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(http.MethodGet, "/api/files", nil, nil)
	h.requireStatus(rec, http.StatusOK)
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}

	h.put("/docs/a.txt", []byte("a"))
	h.put("/pics/b.png", []byte("b"))

	rec = h.request(http.MethodGet, "/api/files?prefix=/docs", nil, nil)
	h.requireStatus(rec, http.StatusOK)
	var listed []vault.StoredObject
	decodeJSONResponse(t, rec, &listed)
	if len(listed) != 1 || listed[0].Path != "/encrypted/docs/a.txt" {
		t.Fatalf("unexpected listing %+v", listed)
	}
}

func TestMultipartUpload(t *testing.T) { // A
	h := newAPIHarness(t)
	payload := []byte{0x00, 0xff, 0x10, 0x80}

	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, newMultipartRequest(t, "/api/file/bin/blob", "file", payload))
	h.requireStatus(rec, http.StatusCreated)

	get := h.request(http.MethodGet, "/api/file/bin/blob", nil, nil)
	h.requireStatus(get, http.StatusOK)
	if !bytes.Equal(get.Body.Bytes(), payload) {
		t.Fatalf("payload mismatch: %x", get.Body.Bytes())
	}
}

func TestMultipartWithoutFileField(t *testing.T) {
	h := newAPIHarness(t)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, newMultipartRequest(t, "/api/file/bin/blob", "attachment", []byte("x")))
	h.requireStatus(rec, http.StatusBadRequest)
}

func TestErrorStatuses(t *testing.T) {
	h := newAPIHarness(t, WithMaxUploadBytes(16))

	h.requireStatus(h.request(http.MethodGet, "/api/file/missing.txt", nil, nil), http.StatusNotFound)
	h.requireStatus(h.request(http.MethodPut, "/api/file/", strings.NewReader("x"), nil), http.StatusBadRequest)
	h.requireStatus(h.request(http.MethodPut, "/api/file/big", bytes.NewReader(make([]byte, 1024)), nil), http.StatusRequestEntityTooLarge)
	h.requireStatus(h.request(http.MethodDelete, "/api/file/a", nil, nil), http.StatusMethodNotAllowed)
}

func TestRetrieveWithForeignKey(t *testing.T) { // A
	gw := testutil.Badger(t)
	owner := newHarnessOn(t, gw, 0)
	owner.put("/secret.txt", []byte("for key 0 only"))

	stranger := newHarnessOn(t, gw, 1)
	rec := stranger.request(http.MethodGet, "/api/file/secret.txt", nil, nil)
	stranger.requireStatus(rec, http.StatusUnprocessableEntity)
}

func TestKeyEndpoint(t *testing.T) { // A
	h := newAPIHarness(t)
	rec := h.request(http.MethodGet, "/api/key", nil, nil)
	h.requireStatus(rec, http.StatusOK)

	var resp keyResponse
	decodeJSONResponse(t, rec, &resp)
	pub := &testutil.Key(t, 0).PublicKey
	if resp.Fingerprint != keystore.Fingerprint(pub) {
		t.Fatalf("unexpected fingerprint %q", resp.Fingerprint)
	}
	if resp.Bits != testutil.KeyBits {
		t.Fatalf("unexpected bits %d", resp.Bits)
	}
	parsed, err := keystore.ParsePublicPEM([]byte(resp.PublicKeyPEM))
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	if !parsed.Equal(pub) {
		t.Fatalf("served key differs from vault key")
	}
}

func TestMissingKeyMaterial(t *testing.T) {
	keys := keystore.New(keystore.Config{Dir: t.TempDir(), Logger: testutil.Logger()})
	v, err := vault.New(keys, testutil.Badger(t), vault.Config{
		Scheme: envelope.NewScheme(testutil.KeyBits, false),
		Logger: testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	h := &apiHarness{t: t, server: New(v, keys, WithLogger(testutil.Logger()))}

	h.requireStatus(h.request(http.MethodGet, "/api/key", nil, nil), http.StatusServiceUnavailable)
	h.requireStatus(h.request(http.MethodPut, "/api/file/a", strings.NewReader("a"), nil), http.StatusServiceUnavailable)
}

func TestOptionsPreflight(t *testing.T) { // A
	h := newAPIHarness(t, WithAuth(func(*http.Request) error { return errors.New("denied") }))

	rec := h.request(http.MethodOptions, "/api/file/a", nil, map[string]string{
		"Origin":                         "https://example.org",
		"Access-Control-Request-Headers": "X-Custom",
	})
	h.requireStatus(rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.org" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("unexpected vary %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "X-Custom" {
		t.Fatalf("unexpected allow headers %q", got)
	}
}

func TestAuthFailure(t *testing.T) { // A
	calls := 0
	h := newAPIHarness(t, WithAuth(func(*http.Request) error {
		calls++
		return errors.New("denied")
	}))
	h.requireStatus(h.request(http.MethodGet, "/api/files", nil, nil), http.StatusUnauthorized)
	if calls != 1 {
		t.Fatalf("expected one auth call, got %d", calls)
	}
}

func TestRequestID(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(http.MethodGet, "/healthz", nil, map[string]string{requestIDHeader: "abc-123"})
	h.requireStatus(rec, http.StatusOK)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("request id not echoed: %q", got)
	}

	rec = h.request(http.MethodGet, "/healthz", nil, nil)
	if got := rec.Header().Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("unexpected health body %q", rec.Body.String())
	}
}
