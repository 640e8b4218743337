package httphandlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go2tv.app/castrouter/mediarouter"
)

const callTimeout = 5 * time.Second

// SinkLister is the discovery view served on /sinks.
type SinkLister interface {
	Sinks() []mediarouter.MediaSink
}

// HTTPserver - new http.Server instance.
type HTTPserver struct {
	http   *http.Server
	Mux    *chi.Mux
	bridge *Bridge
	sinks  SinkLister
}

type sessionJSON struct {
	Session *mediarouter.SessionInfo  `json:"session"`
	Routes  []mediarouter.MediaRoute  `json:"routes"`
	Clients []mediarouter.ClientRecord `json:"clients"`
}

// NewServer constructor generates a new HTTPserver type. A nil gatherer
// leaves /metrics unmounted.
func NewServer(a string, bridge *Bridge, sinks SinkLister, gatherer prometheus.Gatherer) *HTTPserver {
	mux := chi.NewRouter()
	srv := HTTPserver{
		http:   &http.Server{Addr: a, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		Mux:    mux,
		bridge: bridge,
		sinks:  sinks,
	}

	mux.Use(middleware.Recoverer)
	mux.Handle("/ws", bridge)
	mux.Get("/sinks", srv.sinksHandler)
	mux.Get("/session", srv.sessionHandler)
	mux.Post("/session/stop", srv.stopSessionHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &srv
}

// StartServer listens on the configured address and reports the listen
// result on serverStarted before serving.
func (s *HTTPserver) StartServer(serverStarted chan<- error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		serverStarted <- fmt.Errorf("server listen error: %w", err)
		return
	}

	serverStarted <- nil
	_ = s.http.Serve(ln)
}

// StopServer closes the open WebSocket connections and shuts the server down.
func (s *HTTPserver) StopServer(ctx context.Context) error {
	if err := s.bridge.CloseAll(ctx); err != nil {
		_ = s.http.Close()
		return fmt.Errorf("StopServer: failed to close pages due to error %w", err)
	}

	if err := s.http.Shutdown(ctx); err != nil {
		return s.http.Close()
	}
	return nil
}

func (s *HTTPserver) sinksHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSinkJSON(s.sinks.Sinks()))
}

// Results travel over buffered channels: after a timeout the task may
// still run on the loop while the handler has already returned.
func (s *HTTPserver) sessionHandler(w http.ResponseWriter, r *http.Request) {
	result := make(chan sessionJSON, 1)

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	err := s.bridge.loop.Call(ctx, func() {
		var out sessionJSON
		if session := s.bridge.provider.Session(); session != nil {
			info := session.Info()
			out.Session = &info
		}
		out.Routes = s.bridge.provider.Routes()
		out.Clients = s.bridge.provider.ClientRecords()
		result <- out
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, <-result)
}

func (s *HTTPserver) stopSessionHandler(w http.ResponseWriter, r *http.Request) {
	result := make(chan bool, 1)

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	err := s.bridge.loop.Call(ctx, func() {
		if s.bridge.provider.Session() == nil {
			result <- false
			return
		}
		s.bridge.provider.OnSessionStopAction()
		result <- true
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if !<-result {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
