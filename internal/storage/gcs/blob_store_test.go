package gcs

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// uploadRecorder answers multipart uploads on the GCS JSON API.
type uploadRecorder struct {
	mu      sync.Mutex
	objects map[string]uploaded
}

type uploaded struct {
	meta map[string]any
	body []byte
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/upload/storage/v1/b/") {
		http.NotFound(w, r)
		return
	}
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var up uploaded
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(part)
		if i == 0 {
			_ = json.Unmarshal(data, &up.meta)
		} else {
			up.body = data
		}
	}
	name, _ := up.meta["name"].(string)
	u.mu.Lock()
	u.objects[name] = up
	u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	// The JSON API encodes uint64 fields as strings.
	_ = json.NewEncoder(w).Encode(map[string]any{"bucket": "snapshots", "name": name, "size": strconv.Itoa(len(up.body))})
}

func (u *uploadRecorder) object(name string) (uploaded, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	up, ok := u.objects[name]
	return up, ok
}

func newTestClient(t *testing.T) (*storage.Client, *uploadRecorder) {
	t.Helper()
	rec := &uploadRecorder{objects: map[string]uploaded{}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, rec
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, defaultUploadTimeout, store.cfg.UploadTimeout)
	require.NoError(t, store.Close())
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/crawler/"})
	require.NoError(t, err)
	require.Equal(t, "crawler/broken/abc.html", store.ObjectName("broken/abc.html"))

	bare, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "broken/abc.html", bare.ObjectName("broken/abc.html"))
}

func TestPutObjectUploadsSnapshot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		gzip     bool
		encoding string
	}{
		{name: "plain"},
		{name: "gzip", gzip: true, encoding: "gzip"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client, rec := newTestClient(t)
			store, err := New(client, Config{Bucket: "snapshots", Prefix: "crawler", Gzip: tc.gzip})
			require.NoError(t, err)

			html := "<html><body><div class=\"list\"></div></body></html>"
			uri, err := store.PutObject(context.Background(), "broken/abc.html", "text/html; charset=utf-8", strings.NewReader(html))
			require.NoError(t, err)
			require.Equal(t, "gs://snapshots/crawler/broken/abc.html", uri)

			up, ok := rec.object("crawler/broken/abc.html")
			require.True(t, ok)
			require.Equal(t, "text/html; charset=utf-8", up.meta["contentType"])
			require.Equal(t, "no-store", up.meta["cacheControl"])
			if tc.encoding == "" {
				require.NotContains(t, up.meta, "contentEncoding")
				require.Equal(t, html, string(up.body))
				return
			}
			require.Equal(t, tc.encoding, up.meta["contentEncoding"])
			zr, err := gzip.NewReader(bytes.NewReader(up.body))
			require.NoError(t, err)
			plain, err := io.ReadAll(zr)
			require.NoError(t, err)
			require.Equal(t, html, string(plain))
		})
	}
}

func TestPutObjectRequiresKey(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
