// Package api exposes the content store and the origin proxy over
// HTTP: the /store surface renderer clients fetch cached media from
// (with full Range semantics), the /file-proxy, /xmds-proxy and
// /rest-proxy relays to the CMS, the /config endpoint, a /metrics
// registry, and a /events websocket progress feed.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/xibo-players/mediacache/pkg/metrics"
	"github.com/xibo-players/mediacache/pkg/playerconfig"
	"github.com/xibo-players/mediacache/pkg/store"
)

// Config configures the API server.
type Config struct {
	// Store is the content store behind the /store surface.
	Store *store.Store

	// PlayerConfig backs the /config endpoint.
	PlayerConfig *playerconfig.Manager

	// Metrics, when set, is served at /metrics and fed by the
	// store/proxy handlers.
	Metrics *metrics.Metrics

	// PWAPath is the directory of the player web app, served for every
	// path no other route claims. Required.
	PWAPath string

	// UpstreamClient performs proxied origin requests. Defaults to a
	// client with sane timeouts.
	UpstreamClient *http.Client

	// Logger receives request events.
	Logger *logrus.Entry
}

// Server is the StoreServer + OriginProxy process.
type Server struct {
	cfg      Config
	router   *httprouter.Router
	upstream *http.Client
	hub      *Hub
	log      *logrus.Entry

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the routes and returns a server ready to listen.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	upstream := cfg.UpstreamClient
	if upstream == nil {
		upstream = &http.Client{Timeout: 10 * time.Minute}
	}

	s := &Server{
		cfg:      cfg,
		router:   httprouter.New(),
		upstream: upstream,
		hub:      NewHub(log),
		log:      log.WithField("component", "api"),
	}
	s.initRoutes()
	return s
}

// initRoutes registers every handler.
func (s *Server) initRoutes() {
	r := s.router

	// Store surface. One wildcard per method; list/delete/mark-complete
	// are dispatched off the path inside the handlers.
	r.GET("/store/*path", s.storeGet)
	r.HEAD("/store/*path", s.storeHead)
	r.PUT("/store/*path", s.storePut)
	r.POST("/store/*path", s.storePost)

	// Convenience alias for non-service-worker callers.
	r.GET("/player/cache/static/:name", s.staticAlias)

	// Origin proxy.
	r.GET("/file-proxy", s.fileProxy)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead} {
		r.Handle(method, "/xmds-proxy", s.xmdsProxy)
		r.Handle(method, "/rest-proxy", s.restProxy)
	}

	r.POST("/config", s.configPost)
	r.GET("/events", s.events)

	if s.cfg.Metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	// Everything else is the player web app.
	r.NotFound = http.FileServer(http.Dir(s.cfg.PWAPath))
}

// Events returns the progress hub so the download queue can feed it.
func (s *Server) Events() *Hub {
	return s.hub
}

// Handler returns the root handler (exposed for tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Close.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	s.httpServer = &http.Server{Handler: s.router}
	s.log.WithField("addr", l.Addr().String()).Info("listening")
	err = s.httpServer.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the listener and disconnects event subscribers.
func (s *Server) Close() error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// writeJSON encodes v with the CORS header every 2xx response carries.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the JSON error envelope.
type apiError struct {
	Message string `json:"message"`
}

// writeError reports a failure as JSON.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Message: message})
}
