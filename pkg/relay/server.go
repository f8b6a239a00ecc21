package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/metrics"
	"github.com/harunnryd/callrelay/pkg/observers"
	"github.com/harunnryd/callrelay/pkg/subscribers"
	"github.com/harunnryd/callrelay/pkg/transports/twilio"
	"github.com/harunnryd/callrelay/pkg/transports/viewer"
)

// Server owns the subscriber registry and every HTTP route of the relay.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *subscribers.Registry
	streams  *twilio.StreamHandler
	viewers  *viewer.Handler
	mux      *http.ServeMux
	promReg  *prometheus.Registry
	events   *metrics.AsyncObserver
	closers  []io.Closer

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	draining atomic.Bool
	drainErr error
	drained  sync.Once
}

// NewServer wires the relay. A nil providers uses DefaultProviderRegistry.
func NewServer(cfg Config, providers *ProviderRegistry) (*Server, error) {
	if providers == nil {
		providers = DefaultProviderRegistry()
	}
	cfg.Twilio.ServerAddr = cfg.ServerAddr
	cfg.Twilio = cfg.Twilio.WithDefaults()
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}

	factory, err := providers.BuildSTTFactory(cfg.Transcription)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	tokens, err := twilio.NewTokenIssuer(cfg.Twilio)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(slog.Default(), "relay"),
		mux:     http.NewServeMux(),
		promReg: prometheus.NewRegistry(),
	}
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink, err := s.buildObservers()
	if err != nil {
		return nil, err
	}
	buffer := cfg.Observability.EventBuffer
	s.events = metrics.NewAsyncObserver(sink, buffer)

	s.registry = subscribers.NewRegistry(s.events)
	s.streams = twilio.NewStreamHandler(twilio.StreamHandlerOptions{
		Factory:      factory,
		Publisher:    s.registry,
		Observer:     s.events,
		AllowOrigins: cfg.Twilio.AllowOrigins,
	})
	s.viewers = viewer.NewHandler(viewer.Options{
		Registry:     s.registry,
		AllowOrigins: cfg.Twilio.AllowOrigins,
		QueueSize:    cfg.Viewer.QueueSize,
	})

	s.mux.Handle(cfg.Twilio.StreamPath, s.streams)
	s.mux.Handle(cfg.Twilio.ClientPath, s.viewers)
	s.mux.Handle(cfg.Twilio.TokenPath, tokens)
	s.mux.Handle(cfg.Twilio.VoicePath, twilio.NewVoiceHandler(cfg.Twilio))
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle(cfg.Observability.MetricsPath, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	return s, nil
}

func (s *Server) buildObservers() (metrics.Observer, error) {
	obs := s.cfg.Observability
	prom := observers.NewPrometheusObserver(s.promReg)
	aggregate := []metrics.Observer{
		prom,
		observers.NewLatencyObserver(s.logger, prom),
	}
	trace := []metrics.Observer{observers.NewLoggerObserver(s.logger)}

	if obs.MetricsFile != "" {
		jsonl, err := metrics.OpenJSONLFile(obs.MetricsFile)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
		s.closers = append(s.closers, jsonl)
		trace = append(trace, jsonl)
	}
	if obs.ArtifactsDir != "" {
		if obs.RetentionDays > 0 {
			removed, err := observers.PurgeArtifacts(obs.ArtifactsDir, time.Duration(obs.RetentionDays)*24*time.Hour)
			if err != nil {
				s.logger.Warn("artifact_purge_failed", slog.String("error", err.Error()))
			} else if removed > 0 {
				s.logger.Info("artifact_purge", slog.Int("removed", removed))
			}
		}
		timeline := observers.NewTimelineObserver(obs.ArtifactsDir)
		s.closers = append(s.closers, closerFunc(timeline.Close))
		trace = append(trace, timeline)
		aggregate = append(aggregate, observers.NewUsageObserver(obs.ArtifactsDir))
	}

	sampled := metrics.NewSamplingObserver(observers.NewMultiObserver(trace...),
		obs.AudioSampling, "audio_forwarded", "audio_dropped")
	return observers.NewMultiObserver(append(aggregate, sampled)...), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Registry() *subscribers.Registry { return s.registry }

func (s *Server) Config() Config { return s.cfg }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("relay_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("stream_path", s.cfg.Twilio.StreamPath),
		slog.String("client_path", s.cfg.Twilio.ClientPath))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay_serve_failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Drain stops accepting calls, finishes open transcription sessions, closes
// provider and viewer sockets, shuts the HTTP server down and flushes metrics
// sinks.
func (s *Server) Drain() error {
	s.drained.Do(func() {
		s.draining.Store(true)
		s.logger.Info("relay_draining", slog.Int("active_calls", s.streams.Active()))
		timeout := s.cfg.ShutdownTimeout()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs error
		errs = errors.Join(errs, s.streams.Drain(ctx))
		s.viewers.Drain()

		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv != nil {
			errs = errors.Join(errs, srv.Shutdown(ctx))
		}
		errs = errors.Join(errs, s.events.Close())
		for _, c := range s.closers {
			errs = errors.Join(errs, c.Close())
		}
		s.drainErr = errs
	})
	return s.drainErr
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
	Viewers     int    `json:"viewers"`
	Watched     int    `json:"watched_calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		ActiveCalls: s.streams.Active(),
		Viewers:     s.viewers.Active(),
		Watched:     s.registry.Calls(),
	}
	w.Header().Set("Content-Type", "application/json")
	if s.draining.Load() {
		resp.Status = "draining"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
