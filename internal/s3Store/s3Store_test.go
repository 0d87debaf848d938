package s3Store

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
	"github.com/i5heu/ouroboros-vault/pkg/gateway/gatewaytest"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
)

type fakeObject struct {
	body []byte
	meta http.Header
}

// fakeS3 understands the path style requests the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
}

type listResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Delimiter      string         `xml:"Delimiter"`
	KeyCount       int            `xml:"KeyCount"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []listContent  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type listContent struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	f.mu.Lock()
	defer f.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(rest, "/")

	if key == "" && r.Method == http.MethodGet {
		f.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		meta := http.Header{}
		for k, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				meta[k] = v
			}
		}
		f.objects[key] = fakeObject{body: body, meta: meta}
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		for k, v := range obj.meta {
			w.Header()[k] = v
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	delim := r.URL.Query().Get("delimiter")

	res := listResult{Name: f.bucket, Prefix: prefix, Delimiter: delim, MaxKeys: 1000}
	seen := map[string]bool{}
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			cp := prefix + rest[:i+1]
			if !seen[cp] {
				seen[cp] = true
				res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: cp})
			}
			continue
		}
		res.Contents = append(res.Contents, listContent{Key: k, Size: int64(len(f.objects[k].body))})
	}
	res.KeyCount = len(res.Contents) + len(res.CommonPrefixes)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

func newTestStore(t *testing.T, prefix string) (*S3Store, *fakeS3) { // A
	t.Helper()
	fake := &fakeS3{bucket: "vault", objects: map[string]fakeObject{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Config{
		Bucket:          "vault",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		Prefix:          prefix,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Logger:          logging.Discard(),
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3Contract(t *testing.T) { // A
	s, _ := newTestStore(t, "")
	gatewaytest.Run(t, s)
}

func TestS3Prefix(t *testing.T) {
	s, fake := newTestStore(t, "vaults/")
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "/encrypted/a.txt", []byte("envelope")))
	fake.mu.Lock()
	_, ok := fake.objects["vaults/encrypted/a.txt"]
	fake.mu.Unlock()
	assert.True(t, ok)

	entries, err := s.List(ctx, "/encrypted")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
}

func TestS3StatWithoutMetadata(t *testing.T) {
	s, fake := newTestStore(t, "")
	fake.mu.Lock()
	fake.objects["encrypted/foreign.txt"] = fakeObject{body: []byte("foreign"), meta: http.Header{}}
	fake.mu.Unlock()

	e, err := s.Stat(context.Background(), "/encrypted/foreign.txt")
	require.NoError(t, err)
	assert.Equal(t, gateway.ContentID([]byte("foreign")), e.ContentID)
	assert.Equal(t, int64(7), e.Size)
}

func TestNewRequiresBucket(t *testing.T) { // A
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
