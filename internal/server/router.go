package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devcycle/internal/logsink"
	"github.com/loykin/devcycle/internal/metrics"
	"github.com/loykin/devcycle/internal/registry"
	"github.com/loykin/devcycle/internal/supervisor"
)

// Slot is the part of a supervisor the router observes and controls.
type Slot interface {
	Snapshot() supervisor.Snapshot
	Stop(ctx context.Context) error
}

// Router exposes a held cycle over HTTP.
// Endpoints:
//
//	GET  {basePath}/healthz   liveness of devcycle itself
//	GET  {basePath}/status    supervisor snapshot
//	GET  {basePath}/matches   live process table matches for the pattern
//	GET  {basePath}/logs      tail of the dev server log, ?n=50
//	POST {basePath}/stop      stop the dev server and end the hold
//	GET  {basePath}/metrics   Prometheus metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	slot     Slot
	reg      registry.Registry
	logPath  string
	basePath string

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRouter constructs a Router. reg may be nil to disable /matches.
func NewRouter(slot Slot, reg registry.Registry, logPath, basePath string) *Router {
	return &Router{
		slot:     slot,
		reg:      reg,
		logPath:  logPath,
		basePath: sanitizeBase(basePath),
		stopped:  make(chan struct{}),
	}
}

// Stopped is closed once a stop request has succeeded.
func (r *Router) Stopped() <-chan struct{} { return r.stopped }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/matches", r.handleMatches)
	group.GET("/logs", r.handleLogs)
	group.POST("/stop", r.handleStop)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using r. Close or
// Shutdown the returned server to stop it.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type logsResp struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.slot.Snapshot())
}

func (r *Router) handleMatches(c *gin.Context) {
	if r.reg == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process table lookups disabled"})
		return
	}
	snap := r.slot.Snapshot()
	matches, err := r.reg.Find(c.Request.Context(), snap.Pattern)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if matches == nil {
		matches = []registry.Match{}
	}
	writeJSON(c, http.StatusOK, matches)
}

func (r *Router) handleLogs(c *gin.Context) {
	n, ok := tailLines(c.Query("n"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a positive integer"})
		return
	}
	lines, err := logsink.Tail(r.logPath, n)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no log output yet"})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Path: r.logPath, Lines: lines})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.slot.Stop(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	r.stopOnce.Do(func() { close(r.stopped) })
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
