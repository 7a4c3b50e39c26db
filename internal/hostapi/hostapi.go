// Package hostapi exposes a running session to host applications over HTTP.
//
// Routes (all under /v1):
//
//	GET    /status               session, tier, pipeline and barge-in summary
//	GET    /config               configuration in effect, as YAML
//	PATCH  /config               merge a YAML fragment into the live config
//	GET    /errors               bounded session error log
//	GET    /alerts               active alerts
//	POST   /alerts/{id}/resolve  resolve an alert
//	GET    /sources              registered playback sources
//	DELETE /sources/{id}         unregister a playback source
//	POST   /interrupt            interrupt playback manually
//	POST   /resume               resume after a barge-in
//	GET    /events               websocket stream of session events
//	GET    /players              websocket endpoint for remote playback clients
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/bargein/internal/bargein"
	"github.com/MrWong99/bargein/internal/config"
	"github.com/MrWong99/bargein/internal/fault"
	"github.com/MrWong99/bargein/internal/interrupt"
	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/pipeline"
	"github.com/MrWong99/bargein/internal/resilience"
	"github.com/MrWong99/bargein/internal/session"
	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/audio/remote"
)

const (
	maxConfigBody = 64 << 10
	writeTimeout  = 5 * time.Second
)

// Session is the part of a session the API drives. [*session.Session]
// implements it.
type Session interface {
	ID() string
	Running() bool
	Config() *config.Config
	Update(fn func(*config.Config)) error
	Mode() resilience.Mode
	Shape() session.Shape
	Snapshot() (monitor.Snapshot, bool)
	Alerts() []monitor.Alert
	ResolveAlert(id string) bool
	Errors() []*fault.Error
	BargeInStats() bargein.Stats
	PipelineStats() pipeline.Stats
	Restarts() uint64
	RegisterSource(id string, src audio.Source) error
	UnregisterSource(id string)
	Sources() []string
	Interrupt(ids ...string) (interrupt.Result, error)
	Resume(ctx context.Context) error
}

var _ Session = (*session.Session)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithLogLevelHook is called with the new level when a config patch changes
// server.log_level.
func WithLogLevelHook(fn func(config.LogLevel)) Option {
	return func(s *Server) { s.onLogLevel = fn }
}

// WithPlayerCommandTimeout overrides the command timeout of remote players.
func WithPlayerCommandTimeout(d time.Duration) Option {
	return func(s *Server) { s.cmdTimeout = d }
}

// Server serves the host API for one session.
type Server struct {
	sess       Session
	hub        *Hub
	onLogLevel func(config.LogLevel)
	cmdTimeout time.Duration
	log        *slog.Logger
}

// New returns a Server. hub must be running for /events to deliver anything.
func New(sess Session, hub *Hub, opts ...Option) *Server {
	s := &Server{
		sess: sess,
		hub:  hub,
		log:  slog.Default().With("component", "hostapi"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/config", s.handleGetConfig)
	mux.HandleFunc("PATCH /v1/config", s.handlePatchConfig)
	mux.HandleFunc("GET /v1/errors", s.handleErrors)
	mux.HandleFunc("GET /v1/alerts", s.handleAlerts)
	mux.HandleFunc("POST /v1/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("GET /v1/sources", s.handleSources)
	mux.HandleFunc("DELETE /v1/sources/{id}", s.handleUnregister)
	mux.HandleFunc("POST /v1/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /v1/resume", s.handleResume)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/players", s.handlePlayer)
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type statusJSON struct {
	ID         string        `json:"id"`
	Running    bool          `json:"running"`
	Tier       string        `json:"tier"`
	TierReason string        `json:"tier_reason"`
	Shape      shapeJSON     `json:"shape"`
	Health     *snapshotJSON `json:"health,omitempty"`
	Pipeline   pipelineJSON  `json:"pipeline"`
	BargeIn    bargeInStats  `json:"barge_in"`
	Restarts   uint64        `json:"restarts"`
	Sources    []string      `json:"sources"`
	Alerts     int           `json:"active_alerts"`
}

type shapeJSON struct {
	Spectral   bool `json:"spectral"`
	FrameBatch int  `json:"frame_batch"`
	BargeIn    bool `json:"barge_in"`
	Optimized  bool `json:"optimized"`
}

type pipelineJSON struct {
	Frames    uint64 `json:"frames"`
	Decisions uint64 `json:"decisions"`
	Gaps      uint64 `json:"gaps"`
	Errors    uint64 `json:"errors"`
	Discarded uint64 `json:"discarded"`
}

type bargeInStats struct {
	State         string  `json:"state"`
	Triggers      int     `json:"triggers"`
	Detected      int     `json:"detected"`
	Failed        int     `json:"failed"`
	Resumes       int     `json:"resumes"`
	Breaches      int     `json:"latency_breaches"`
	LatencyMeanMs float64 `json:"latency_mean_ms"`
	LatencyMaxMs  float64 `json:"latency_max_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mode := s.sess.Mode()
	shape := s.sess.Shape()
	ps := s.sess.PipelineStats()
	bs := s.sess.BargeInStats()
	out := statusJSON{
		ID:         s.sess.ID(),
		Running:    s.sess.Running(),
		Tier:       mode.Tier.String(),
		TierReason: mode.Reason,
		Shape: shapeJSON{
			Spectral:   shape.Spectral,
			FrameBatch: shape.FrameBatch,
			BargeIn:    shape.BargeIn,
			Optimized:  shape.Optimized,
		},
		Pipeline: pipelineJSON{
			Frames:    ps.Frames,
			Decisions: ps.Decisions,
			Gaps:      ps.Gaps,
			Errors:    ps.Errors,
			Discarded: ps.Discarded,
		},
		BargeIn: bargeInStats{
			State:         bs.State.String(),
			Triggers:      bs.Triggers,
			Detected:      bs.Detected,
			Failed:        bs.Failed,
			Resumes:       bs.Resumes,
			Breaches:      bs.LatencyBreaches,
			LatencyMeanMs: ms(bs.LatencyMean),
			LatencyMaxMs:  ms(bs.LatencyMax),
		},
		Restarts: s.sess.Restarts(),
		Sources:  s.sess.Sources(),
		Alerts:   len(s.sess.Alerts()),
	}
	if snap, ok := s.sess.Snapshot(); ok {
		v := snapshotView(snap)
		out.Health = &v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := yaml.Marshal(s.sess.Config())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

type patchJSON struct {
	Sections        []string `json:"sections"`
	LogLevelChanged bool     `json:"log_level_changed"`
}

type restartJSON struct {
	Error   string   `json:"error"`
	Reasons []string `json:"restart_reasons"`
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	current := s.sess.Config()
	merged, err := config.Merge(current, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d := config.Diff(current, merged)
	if d.RestartRequired {
		writeJSON(w, http.StatusConflict, restartJSON{
			Error:   "change requires a daemon restart",
			Reasons: d.RestartReasons,
		})
		return
	}
	if err := s.sess.Update(func(c *config.Config) { *c = *merged }); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, fault.ErrConfigInvalid) {
			status = http.StatusBadRequest
		} else if errors.Is(err, session.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	if d.LogLevelChanged && s.onLogLevel != nil {
		s.onLogLevel(d.NewLogLevel)
	}
	s.log.Info("configuration patched", "sections", d.Sections, "log_level_changed", d.LogLevelChanged)
	writeJSON(w, http.StatusOK, patchJSON{Sections: d.Sections, LogLevelChanged: d.LogLevelChanged})
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	errs := s.sess.Errors()
	out := make([]errorJSON, 0, len(errs))
	for _, fe := range errs {
		out = append(out, errorView(fe))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.sess.Alerts()
	out := make([]alertJSON, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if !s.sess.ResolveAlert(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("no active alert with that id"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	ids := s.sess.Sources()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	s.sess.UnregisterSource(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

type interruptRequest struct {
	Sources []string `json:"sources"`
}

type resultJSON struct {
	Applied     int      `json:"applied"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Unknown     []string `json:"unknown,omitempty"`
	RateLimited bool     `json:"rate_limited"`
	LatencyMs   float64  `json:"latency_ms"`
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	res, err := s.sess.Interrupt(req.Sources...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON{
		Applied:     res.Applied(),
		Failed:      res.Failed(),
		Skipped:     res.Skipped,
		Unknown:     res.Unknown,
		RateLimited: res.RateLimited,
		LatencyMs:   ms(res.Latency),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Resume(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bargein.ErrNotInterrupted) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams hub envelopes as JSON text messages until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("event stream accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	q, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-q.C():
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				s.log.Debug("event stream closed", "err", err, "dropped", q.Dropped())
				return
			}
		}
	}
}

// handlePlayer registers a remote playback client for as long as its
// connection lives.
func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	var opts []remote.Option
	if s.cmdTimeout > 0 {
		opts = append(opts, remote.WithCommandTimeout(s.cmdTimeout))
	}
	p, err := remote.Accept(w, r, opts...)
	if err != nil {
		s.log.Warn("player accept failed", "err", err)
		return
	}
	if err := s.sess.RegisterSource(p.ID(), p); err != nil {
		s.log.Warn("player registration failed", "player", p.ID(), "err", err)
		_ = p.Close()
		return
	}
	defer s.sess.UnregisterSource(p.ID())
	s.log.Info("player connected", "player", p.ID())

	err = p.Run(r.Context())
	s.log.Info("player disconnected", "player", p.ID(), "reason", err)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("hostapi: encode response", "err", err)
	}
}
