package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
)

const pprofPrefix = "/debug/pprof"

// mountPprof exposes the runtime profiles. Index also serves the named
// profiles (heap, goroutine, ...) from the path suffix.
func (s *Server) mountPprof() {
	dbg := s.router.PathPrefix(pprofPrefix).Subrouter()
	dbg.HandleFunc("/cmdline", hpprof.Cmdline).Methods(http.MethodGet)
	dbg.HandleFunc("/profile", hpprof.Profile).Methods(http.MethodGet)
	dbg.HandleFunc("/symbol", hpprof.Symbol).Methods(http.MethodGet, http.MethodPost)
	dbg.HandleFunc("/trace", hpprof.Trace).Methods(http.MethodGet)
	dbg.PathPrefix("/").HandlerFunc(hpprof.Index).Methods(http.MethodGet)
}
