// Package httpapi serves the local control API for one controller.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"peerdrivectl/internal/daemon"
	"peerdrivectl/internal/userconf"
	logx "peerdrivectl/pkg/logx"
)

type Options struct {
	Controller *daemon.Controller
	Flags      *daemon.Editor
	// UserConfig is optional; its routes are not mounted when nil.
	UserConfig *userconf.Store
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	// Pprof mounts the runtime profiler under /debug/pprof.
	Pprof bool
	Log   logx.Logger
}

type Server struct {
	ctl     *daemon.Controller
	flags   *daemon.Editor
	user    *userconf.Store
	log     logx.Logger
	router  *mux.Router
	metrics http.Handler
	pprof   bool

	// tailMu guards the websocket tail refcount. The first client starts
	// the log stream if nobody else did; the last one stops it again.
	tailMu      sync.Mutex
	tailClients int
	tailOwned   bool
}

func New(opts Options) *Server {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	s := &Server{
		ctl:     opts.Controller,
		flags:   opts.Flags,
		user:    opts.UserConfig,
		log:     opts.Log.With(logx.String("component", "httpapi")),
		router:  mux.NewRouter().StrictSlash(true),
		metrics: opts.Metrics,
		pprof:   opts.Pprof,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.guardMutations)
	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/{action:start|stop|toggle|restart}", s.postAction).Methods(http.MethodPost)

	api.HandleFunc("/flags", s.getFlags).Methods(http.MethodGet)
	api.HandleFunc("/flags", s.putFlags).Methods(http.MethodPut)

	api.HandleFunc("/logs", s.getLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/start", s.postLogsStart).Methods(http.MethodPost)
	api.HandleFunc("/logs/stop", s.postLogsStop).Methods(http.MethodPost)
	api.HandleFunc("/logs/ws", s.logsWebsocket).Methods(http.MethodGet)

	if s.user != nil {
		api.HandleFunc("/userconf", s.getUserConfig).Methods(http.MethodGet)
		api.HandleFunc("/userconf", s.putUserConfig).Methods(http.MethodPut)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.pprof {
		s.mountPprof()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("control API listening", logx.String("addr", addr))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return err
	}
	s.log.Info("control API stopped")
	return nil
}

// ---- handlers ----

type statusResponse struct {
	Service    string               `json:"service"`
	Status     daemon.ServiceStatus `json:"status"`
	Class      daemon.StatusClass   `json:"class"`
	Busy       bool                 `json:"busy"`
	Polling    bool                 `json:"polling"`
	CanCommand bool                 `json:"can_command"`
	Reachable  bool                 `json:"reachable"`
}

func (s *Server) snapshot() statusResponse {
	st := s.ctl.Status()
	return statusResponse{
		Service:    s.ctl.Service(),
		Status:     st,
		Class:      st.Class(),
		Busy:       s.ctl.Busy(),
		Polling:    s.ctl.Polling(),
		CanCommand: s.ctl.CanCommand(),
		Reachable:  s.ctl.Reachable(),
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.snapshot())
}

func (s *Server) postAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var fn func(context.Context) error
	switch action {
	case "start":
		fn = s.ctl.Start
	case "stop":
		fn = s.ctl.Stop
	case "toggle":
		fn = s.ctl.Toggle
	case "restart":
		fn = s.ctl.Restart
	default:
		errorResponse(w, http.StatusNotFound, "unknown action")
		return
	}
	if err := fn(r.Context()); err != nil {
		s.log.Debug("action rejected", logx.String("action", action), logx.Err(err))
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	// The settle poll keeps running after the response.
	jsonResponse(w, http.StatusAccepted, s.snapshot())
}

type flagsBody struct {
	Flags  string `json:"flags"`
	Notice string `json:"notice,omitempty"`
}

func (s *Server) getFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.flags.Load(r.Context())
	if err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, flagsBody{Flags: flags, Notice: daemon.RestartNotice})
}

func (s *Server) putFlags(w http.ResponseWriter, r *http.Request) {
	var body flagsBody
	if err := decodeBody(r, &body); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.flags.Save(r.Context(), body.Flags); err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, flagsBody{Flags: body.Flags, Notice: daemon.RestartNotice})
}

type logsResponse struct {
	Streaming bool     `json:"streaming"`
	Session   string   `json:"session,omitempty"`
	Lines     []string `json:"lines"`
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	ls := s.ctl.Logs()
	jsonResponse(w, http.StatusOK, logsResponse{
		Streaming: ls.Streaming(),
		Session:   ls.Session(),
		Lines:     ls.Lines(),
	})
}

func (s *Server) postLogsStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Logs().Start(r.Context()); err != nil {
		errorResponse(w, statusFor(err), err.Error())
		return
	}
	s.getLogs(w, r)
}

func (s *Server) postLogsStop(w http.ResponseWriter, r *http.Request) {
	s.ctl.Logs().Stop(r.Context())
	s.tailMu.Lock()
	s.tailOwned = false
	s.tailMu.Unlock()
	s.getLogs(w, r)
}

func (s *Server) getUserConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.user.Read(r.Context())
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, cfg)
}

func (s *Server) putUserConfig(w http.ResponseWriter, r *http.Request) {
	var cfg userconf.Config
	if err := decodeBody(r, &cfg); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.user.Write(r.Context(), cfg); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, cfg)
}

// ---- helpers ----

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, daemon.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, daemon.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, daemon.ErrRead), errors.Is(err, daemon.ErrWrite):
		return http.StatusInternalServerError
	case daemon.IsActionError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
