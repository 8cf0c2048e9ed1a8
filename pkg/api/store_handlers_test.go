package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/xibo-players/mediacache/pkg/playerconfig"
	"github.com/xibo-players/mediacache/pkg/store"
)

// newTestServer builds a server over a fresh store and PWA dir.
func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	pwa := t.TempDir()
	if err := os.WriteFile(filepath.Join(pwa, "index.html"), []byte("<html>player</html>"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewServer(Config{
		Store:        st,
		PlayerConfig: playerconfig.NewManager(""),
		PWAPath:      pwa,
	})
	return s, st
}

func doRequest(t *testing.T, s *Server, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStorePutGetHeadRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	data := bytes.Repeat([]byte("x"), 3072)

	w := doRequest(t, s, http.MethodPut, "/store/media/12", bytes.NewReader(data),
		map[string]string{"Content-Type": "image/jpeg"})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodGet, "/store/media/12", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), data) {
		t.Error("GET body differs from PUT body")
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("wrong content type: %q", ct)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if w.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("missing Accept-Ranges")
	}

	w = doRequest(t, s, http.MethodHead, "/store/media/12", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("HEAD status %d", w.Code)
	}
	if cl := w.Header().Get("Content-Length"); cl != "3072" {
		t.Errorf("wrong HEAD content length: %q", cl)
	}
}

func TestStoreGetMissingIs404(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/store/media/absent", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestStoreRangeRequests(t *testing.T) {
	s, _ := newTestServer(t)
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 251)
	}
	doRequest(t, s, http.MethodPut, "/store/media/r", bytes.NewReader(data), nil)

	testCases := []struct {
		name      string
		rangeHdr  string
		wantCode  int
		wantBody  []byte
		wantRange string
	}{
		{"interior", "bytes=100-199", 206, data[100:200], "bytes 100-199/4096"},
		{"prefix", "bytes=0-1023", 206, data[:1024], "bytes 0-1023/4096"},
		{"open ended", "bytes=4000-", 206, data[4000:], "bytes 4000-4095/4096"},
		{"suffix", "bytes=-96", 206, data[4000:], "bytes 4000-4095/4096"},
		{"end clamped", "bytes=4000-9999", 206, data[4000:], "bytes 4000-4095/4096"},
		{"beyond size", "bytes=5000-5100", 416, nil, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodGet, "/store/media/r", nil,
				map[string]string{"Range": tc.rangeHdr})
			if w.Code != tc.wantCode {
				t.Fatalf("status %d, want %d", w.Code, tc.wantCode)
			}
			if tc.wantBody != nil && !bytes.Equal(w.Body.Bytes(), tc.wantBody) {
				t.Errorf("wrong body: %d bytes, want %d", w.Body.Len(), len(tc.wantBody))
			}
			if tc.wantRange != "" && w.Header().Get("Content-Range") != tc.wantRange {
				t.Errorf("wrong Content-Range: %q, want %q", w.Header().Get("Content-Range"), tc.wantRange)
			}
		})
	}
}

func TestStoreRangeAcrossChunks(t *testing.T) {
	s, st := newTestServer(t)
	key := store.Key{Type: store.TypeMedia, ID: "vid"}

	const chunkSize = 1024
	data := make([]byte, 2560) // chunks of 1024, 1024, 512
	for i := range data {
		data[i] = byte(i % 239)
	}
	for i := 0; i < 3; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := st.PutChunk(key, i, bytes.NewReader(data[start:end]), store.ChunkPutOptions{
			ContentType: "video/mp4", ChunkSize: chunkSize, NumChunks: 3, TotalSize: int64(len(data)),
		}); err != nil {
			t.Fatalf("PutChunk failed: %v", err)
		}
	}

	// A range spanning all three chunks assembles across boundaries.
	w := doRequest(t, s, http.MethodGet, "/store/media/vid", nil,
		map[string]string{"Range": "bytes=1000-2100"})
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status %d, want 206", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), data[1000:2101]) {
		t.Error("cross-chunk range bytes wrong")
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 1000-2100/2560" {
		t.Errorf("wrong Content-Range: %q", got)
	}

	// The whole file streams when no range is given.
	w = doRequest(t, s, http.MethodGet, "/store/media/vid", nil, nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), data) {
		t.Errorf("full chunked read wrong: status %d, %d bytes", w.Code, w.Body.Len())
	}
}

func TestStoreRangeMissingChunkIs404(t *testing.T) {
	s, st := newTestServer(t)
	key := store.Key{Type: store.TypeMedia, ID: "gap"}

	// Only chunk 0 of 3 is stored.
	if _, err := st.PutChunk(key, 0, bytes.NewReader(make([]byte, 1024)), store.ChunkPutOptions{
		ChunkSize: 1024, NumChunks: 3, TotalSize: 2560,
	}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, s, http.MethodGet, "/store/media/gap", nil,
		map[string]string{"Range": "bytes=2000-2100"})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing chunk range: status %d, want 404", w.Code)
	}

	// The stored chunk still serves.
	w = doRequest(t, s, http.MethodGet, "/store/media/gap", nil,
		map[string]string{"Range": "bytes=0-499"})
	if w.Code != http.StatusPartialContent {
		t.Errorf("present chunk range: status %d, want 206", w.Code)
	}
}

func TestStoreDeleteEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(t, s, http.MethodPut, "/store/media/1", bytes.NewReader([]byte("a")), nil)
	doRequest(t, s, http.MethodPut, "/store/media/2", bytes.NewReader([]byte("b")), nil)

	body := `{"files":[{"type":"media","id":"1"},{"type":"media","id":"2"},{"type":"media","id":"ghost"}]}`
	w := doRequest(t, s, http.MethodPost, "/store/delete", bytes.NewReader([]byte(body)), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Deleted int  `json:"deleted"`
		Total   int  `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Deleted != 2 || resp.Total != 3 {
		t.Errorf("wrong response: %+v", resp)
	}

	if w := doRequest(t, s, http.MethodGet, "/store/media/1", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted file still served: %d", w.Code)
	}
}

func TestStoreMarkCompleteEndpoint(t *testing.T) {
	s, st := newTestServer(t)
	key := store.Key{Type: store.TypeMedia, ID: "mc"}
	if _, err := st.PutChunk(key, 0, bytes.NewReader(make([]byte, 100)), store.ChunkPutOptions{
		ChunkSize: 100, NumChunks: 1, TotalSize: 100,
	}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, s, http.MethodPost, "/store/mark-complete",
		bytes.NewReader([]byte(`{"storeKey":"media/mc"}`)), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if !st.Has(key).Meta.Complete {
		t.Error("complete flag not set")
	}

	w = doRequest(t, s, http.MethodPost, "/store/mark-complete",
		bytes.NewReader([]byte(`{"storeKey":"media/none"}`)), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing key: status %d, want 404", w.Code)
	}
}

func TestStoreListEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(t, s, http.MethodPut, "/store/media/1", bytes.NewReader([]byte("abc")), nil)
	doRequest(t, s, http.MethodPut, "/store/layout/2", bytes.NewReader([]byte("defg")), nil)

	w := doRequest(t, s, http.MethodGet, "/store/list", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp struct {
		Files []struct {
			Key  string `json:"key"`
			Type string `json:"type"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Files) != 2 {
		t.Fatalf("wrong file count: %d", len(resp.Files))
	}
	if resp.Files[0].Key != "layout/2" || resp.Files[1].Key != "media/1" {
		t.Errorf("wrong listing: %+v", resp.Files)
	}
}

func TestStaticAlias(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(t, s, http.MethodPut, "/store/static/loader.css",
		bytes.NewReader([]byte("body{}")), map[string]string{"Content-Type": "text/css"})

	w := doRequest(t, s, http.MethodGet, "/player/cache/static/loader.css", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if w.Body.String() != "body{}" {
		t.Errorf("wrong body: %q", w.Body.String())
	}
}

func TestPWAFallback(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if w.Body.String() != "<html>player</html>" {
		t.Errorf("wrong PWA body: %q", w.Body.String())
	}
}

func TestParseRange(t *testing.T) {
	const size = 1000
	testCases := []struct {
		header    string
		wantOK    bool
		wantStart int64
		wantEnd   int64
	}{
		{"bytes=0-499", true, 0, 499},
		{"bytes=500-", true, 500, 999},
		{"bytes=-100", true, 900, 999},
		{"bytes=0-1999", true, 0, 999},
		{"bytes=999-999", true, 999, 999},
		{"bytes=1000-1100", false, 0, 0},
		{"bytes=5-2", false, 0, 0},
		{"bytes=0-499,600-700", false, 0, 0},
		{"items=0-499", false, 0, 0},
		{"", false, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%q", tc.header), func(t *testing.T) {
			rng, ok := parseRange(tc.header, size)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && (rng.Start != tc.wantStart || rng.End != tc.wantEnd) {
				t.Errorf("range %d-%d, want %d-%d", rng.Start, rng.End, tc.wantStart, tc.wantEnd)
			}
		})
	}
}
