package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/xibo-players/mediacache/pkg/store"
)

// storeGet serves GET /store/list and GET /store/{type}/{id…}.
func (s *Server) storeGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path := ps.ByName("path")
	if path == "/list" {
		s.storeList(w, r)
		return
	}
	key, err := store.ParseKey(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.serveEntity(w, r, key, true)
}

// storeHead serves HEAD /store/{type}/{id…}.
func (s *Server) storeHead(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, err := store.ParseKey(ps.ByName("path"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.serveEntity(w, r, key, false)
}

// staticAlias serves GET /player/cache/static/{name} for callers
// outside the service-worker scope.
func (s *Server) staticAlias(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key := store.Key{Type: store.TypeStatic, ID: ps.ByName("name")}
	s.serveEntity(w, r, key, true)
}

// serveEntity streams one stored entity with Range support. Chunked
// entities assemble ranges across chunk files; a missing covering
// chunk is a 404 (the renderer retries), never a wait.
func (s *Server) serveEntity(w http.ResponseWriter, r *http.Request, key store.Key, includeBody bool) {
	presence := s.cfg.Store.Has(key)
	if !presence.Exists {
		http.NotFound(w, r)
		return
	}
	meta := presence.Meta

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if meta.ETag != "" {
		w.Header().Set("ETag", `"`+meta.ETag+`"`)
	}

	rng, hasRange := parseRange(r.Header.Get("Range"), meta.Size)
	if r.Header.Get("Range") != "" && !hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if !hasRange {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
		if !includeBody {
			w.WriteHeader(http.StatusOK)
			return
		}
		rc, _, err := s.cfg.Store.Open(key, nil)
		if err != nil {
			s.storeReadError(w, key, err)
			return
		}
		defer rc.Close()
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RangeRequests.Inc()
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Len(), 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, meta.Size))
	if !includeBody {
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	rc, _, err := s.cfg.Store.Open(key, &rng)
	if err != nil {
		s.storeReadError(w, key, err)
		return
	}
	defer rc.Close()
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.Copy(w, rc)
}

// storeReadError maps store read failures onto HTTP statuses.
func (s *Server) storeReadError(w http.ResponseWriter, key store.Key, err error) {
	switch {
	case store.IsNotFound(err):
		w.Header().Del("Content-Length")
		http.Error(w, "404 not found", http.StatusNotFound)
	case store.IsInvalidRange(err):
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	default:
		s.log.WithField("key", key.String()).WithError(err).Error("store read failed")
		http.Error(w, "store read failed", http.StatusInternalServerError)
	}
}

// storePut serves PUT /store/{type}/{id…}: the body is stored as a
// whole file under the request's Content-Type.
func (s *Server) storePut(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, err := store.ParseKey(ps.ByName("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := s.cfg.Store.Put(key, r.Body, store.PutOptions{
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		s.log.WithField("key", key.String()).WithError(err).Error("store write failed")
		writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.StoreBytesWritten.Add(float64(meta.Size))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "size": meta.Size})
}

// deleteRequest is the POST /store/delete body.
type deleteRequest struct {
	Files []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"files"`
}

// storePost dispatches POST /store/delete and /store/mark-complete.
func (s *Server) storePost(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("path") {
	case "/delete":
		s.storeDelete(w, r)
	case "/mark-complete":
		s.storeMarkComplete(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) storeDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	deleted := 0
	for _, f := range req.Files {
		key, err := store.ParseKey(f.Type + "/" + f.ID)
		if err != nil {
			continue
		}
		if !s.cfg.Store.Has(key).Exists {
			continue
		}
		if err := s.cfg.Store.Delete(key); err != nil {
			s.log.WithField("key", key.String()).WithError(err).Warn("delete failed")
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": deleted,
		"total":   len(req.Files),
	})
}

// markCompleteRequest is the POST /store/mark-complete body.
type markCompleteRequest struct {
	StoreKey string `json:"storeKey"`
}

func (s *Server) storeMarkComplete(w http.ResponseWriter, r *http.Request) {
	var req markCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := store.ParseKey(req.StoreKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Store.MarkComplete(key); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// storeList serves GET /store/list.
func (s *Server) storeList(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.cfg.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store list failed")
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": entries})
}

// decodeJSON reads a JSON request body.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// parseRange parses a single-span "bytes=a-b" header against size.
// "bytes=a-" runs to the last byte and "bytes=-n" is the trailing n
// bytes. Multi-span and malformed headers read as no range.
func parseRange(header string, size int64) (store.ByteRange, bool) {
	if header == "" || !strings.HasPrefix(header, "bytes=") {
		return store.ByteRange{}, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return store.ByteRange{}, false
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return store.ByteRange{}, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return store.ByteRange{}, false
		}
		if n > size {
			n = size
		}
		return store.ByteRange{Start: size - n, End: size - 1}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return store.ByteRange{}, false
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return store.ByteRange{}, false
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return store.ByteRange{Start: start, End: end}, true
}
