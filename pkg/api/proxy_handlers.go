package api

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/xibo-players/mediacache/pkg/download"
	"github.com/xibo-players/mediacache/pkg/playerconfig"
	"github.com/xibo-players/mediacache/pkg/store"
)

// hopByHopHeaders are never forwarded in either direction. Content
// encoding and length are recomputed because the relay reads the
// decoded body.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Encoding":    true,
	"Content-Length":      true,
}

// copyResponseHeaders forwards upstream headers minus hop-by-hop ones.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// fileProxy relays GET /file-proxy?cms=&url=... to the origin,
// forwarding Range, and tees the returned bytes into the store when a
// storeKey is supplied. Store failures are logged and never fail the
// relayed response.
func (s *Server) fileProxy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	cms, rawurl := q.Get("cms"), q.Get("url")
	if cms == "" || rawurl == "" {
		http.Error(w, "Missing cms or url parameter", http.StatusBadRequest)
		return
	}
	log := s.log.WithFields(logrus.Fields{
		"endpoint": "file-proxy",
		"request":  uuid.NewString(),
		"url":      rawurl,
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ProxyRequests.WithLabelValues("file-proxy").Inc()
	}

	target := strings.TrimSuffix(cms, "/")
	if !strings.HasPrefix(rawurl, "/") {
		target += "/"
	}
	target += rawurl

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "invalid target URL", http.StatusBadRequest)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		log.WithError(err).Warn("origin request failed")
		http.Error(w, "origin request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Access-Control-Allow-Origin", "*")

	storeKey := q.Get("storeKey")
	success := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent
	if storeKey == "" || !success {
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	// Tee: the caller streams while the bytes are buffered for the
	// store write.
	var buf bytes.Buffer
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(io.MultiWriter(w, &buf), resp.Body); err != nil {
		log.WithError(err).Warn("relay interrupted; skipping store write")
		return
	}
	s.writeThrough(log, storeKey, q, resp, buf.Bytes())
}

// writeThrough stores relayed bytes as a chunk or a whole file.
func (s *Server) writeThrough(log *logrus.Entry, storeKey string, q url.Values, resp *http.Response, data []byte) {
	key, err := store.ParseKey(storeKey)
	if err != nil {
		log.WithError(err).Warn("invalid storeKey; skipping store write")
		return
	}
	contentType := resp.Header.Get("Content-Type")
	md5 := q.Get("md5")
	chunkIndex := -1

	var meta *store.Metadata
	if chunkStr := q.Get("chunkIndex"); chunkStr != "" {
		index, err := strconv.Atoi(chunkStr)
		if err != nil {
			log.WithError(err).Warn("invalid chunkIndex; skipping store write")
			return
		}
		chunkIndex = index
		numChunks, _ := strconv.Atoi(q.Get("numChunks"))
		chunkSize, _ := strconv.ParseInt(q.Get("chunkSize"), 10, 64)
		meta, err = s.cfg.Store.PutChunk(key, index, bytes.NewReader(data), store.ChunkPutOptions{
			ContentType: contentType,
			MD5:         md5,
			ChunkSize:   chunkSize,
			NumChunks:   numChunks,
			TotalSize:   contentRangeTotal(resp.Header.Get("Content-Range")),
		})
		if err != nil {
			log.WithError(err).Error("chunk store write failed")
			return
		}
	} else {
		meta, err = s.cfg.Store.Put(key, bytes.NewReader(data), store.PutOptions{
			ContentType: contentType,
			MD5:         md5,
		})
		if err != nil {
			log.WithError(err).Error("store write failed")
			return
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StoreBytesWritten.Add(float64(len(data)))
	}
	// Renderer clients following /events see the chunk as soon as it
	// lands.
	ev := download.Event{
		Type:            download.EventProgress,
		StoreKey:        key.String(),
		DownloadedBytes: int64(len(data)),
		TotalBytes:      meta.Size,
	}
	if chunkIndex >= 0 {
		ev.ChunkIndex = chunkIndex
	}
	s.hub.Broadcast(ev)
}

// contentRangeTotal extracts the total size from a
// "bytes a-b/total" Content-Range header; 0 when absent or unknown.
func contentRangeTotal(header string) int64 {
	slash := strings.LastIndexByte(header, '/')
	if slash < 0 {
		return 0
	}
	total, err := strconv.ParseInt(header[slash+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// xmdsProxy relays SOAP calls (any method, any body) to
// <cms>/xmds.php with the remaining query preserved.
func (s *Server) xmdsProxy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	cms := q.Get("cms")
	if cms == "" {
		http.Error(w, "Missing cms parameter", http.StatusBadRequest)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ProxyRequests.WithLabelValues("xmds-proxy").Inc()
	}
	q.Del("cms")

	target := strings.TrimSuffix(cms, "/") + "/xmds.php"
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	s.relay(w, r, target, []string{"Content-Type", "SOAPAction", "Accept"}, r.Body)
}

// restProxy relays REST API calls to <cms><path>, preserving the
// caller's auth and negotiation headers. Form bodies are re-encoded as
// x-www-form-urlencoded.
func (s *Server) restProxy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	cms, apiPath := q.Get("cms"), q.Get("path")
	if cms == "" || apiPath == "" {
		http.Error(w, "Missing cms or path parameter", http.StatusBadRequest)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ProxyRequests.WithLabelValues("rest-proxy").Inc()
	}
	q.Del("cms")
	q.Del("path")

	if !strings.HasPrefix(apiPath, "/") {
		apiPath = "/" + apiPath
	}
	target := strings.TrimSuffix(cms, "/") + apiPath
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}

	body := io.Reader(r.Body)
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}
		body = strings.NewReader(r.PostForm.Encode())
	}
	s.relay(w, r, target, []string{"Content-Type", "Authorization", "Accept", "If-None-Match"}, body)
}

// relay forwards one request to the origin, copying the listed request
// headers and the upstream status, headers, and body back.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, target string, headers []string, body io.Reader) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		http.Error(w, "invalid target URL", http.StatusBadRequest)
		return
	}
	for _, name := range headers {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		s.log.WithField("target", target).WithError(err).Warn("origin request failed")
		http.Error(w, "origin request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// configPost updates the player configuration from a partial JSON
// body.
func (s *Server) configPost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.cfg.PlayerConfig == nil {
		writeError(w, http.StatusNotFound, "configuration not enabled")
		return
	}
	var update playerconfig.Config
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.cfg.PlayerConfig.Update(update); err != nil {
		s.log.WithError(err).Error("config persist failed")
		writeError(w, http.StatusInternalServerError, "failed to persist configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
