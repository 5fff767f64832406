package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/sink"
)

// Crawler is the subset of *crawler.Crawler the server drives.
type Crawler interface {
	Crawl(ctx context.Context, req crawler.CrawlRequest) (*crawler.Stream, error)
	Scrape(ctx context.Context, rawURL string, opts crawler.ScrapeOptions) crawler.ScrapeResult
	ScrapeMany(ctx context.Context, urls []string, opts crawler.ScrapeOptions) []crawler.ScrapeResult
}

// Server wires HTTP handlers to the crawler and result sinks.
type Server struct {
	router  chi.Router
	crawler Crawler
	sink    sink.Sink
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. out receives every
// result served; it may be nil.
func NewServer(c Crawler, out sink.Sink, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = sink.NewFanout(logger)
	}
	s := &Server{
		crawler: c,
		sink:    out,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Server.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.Server.APIKey))
		}
		var bounded []func(http.Handler) http.Handler
		if cfg.Server.RequestTimeout > 0 {
			bounded = append(bounded, middleware.Timeout(cfg.Server.RequestTimeout))
		}
		r.With(bounded...).Post("/scrape", s.scrape)
		// Crawls stream for as long as they run; their bound is the crawl timeout.
		r.Post("/crawl", s.crawl)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.URL == "" && len(body.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "url or urls is required")
		return
	}
	opts, err := body.options(s.cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(body.URLs) > 0 {
		results := s.crawler.ScrapeMany(r.Context(), body.URLs, opts)
		for _, result := range results {
			s.deliver(r.Context(), result)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	result := s.crawler.Scrape(r.Context(), body.URL, opts)
	s.deliver(r.Context(), result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var body crawlBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.request(s.cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := s.crawler.Crawl(r.Context(), req)
	switch {
	case errors.Is(err, crawler.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, crawler.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger := s.logger.With(zap.String("crawl_id", stream.ID()))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Crawl-ID", stream.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	broken := false
	for result := range stream.Results() {
		s.deliver(r.Context(), result)
		if broken {
			continue
		}
		if err := enc.Encode(result); err != nil {
			logger.Warn("client went away, cancelling crawl", zap.Error(err))
			broken = true
			stream.Cancel()
			continue
		}
		flusher.Flush()
	}

	summary := stream.Wait()
	if sw, ok := s.sink.(sink.SummaryWriter); ok {
		_ = sw.WriteSummary(context.WithoutCancel(r.Context()), summary)
	}
	if broken {
		return
	}
	if err := enc.Encode(map[string]crawler.Summary{"summary": summary}); err != nil {
		logger.Warn("write crawl summary failed", zap.Error(err))
		return
	}
	flusher.Flush()
}

// deliver hands a served result to the sinks. Failures are logged by the
// fanout and never change the response.
func (s *Server) deliver(ctx context.Context, result crawler.ScrapeResult) {
	_ = s.sink.Write(context.WithoutCancel(ctx), result)
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
