/*
Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package herald

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/mailgun/herald/storage"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Largest request body accepted by the JSON endpoints.
const maxBodyBytes = 1 << 20

type HandlerConfig struct {
	News       *NewsService
	Synthesis  *SynthesisScheduler
	AudioStore storage.AudioStore
	Cache      *ContentCache
	Store      Store
	Rotator    *CredentialRotator
	Limiter    *RateLimiter

	// Optional; records per route request metrics.
	Stats *HTTPStatsHandler
	// Optional; served on /metrics.
	Gatherer prometheus.Gatherer

	// Admin routes are not mounted when empty.
	AdminToken string
	Tracing    bool
	Logger     logrus.FieldLogger
}

type handler struct {
	conf HandlerConfig
	log  logrus.FieldLogger
}

// NewHandler builds the HTTP edge over the components in conf.
func NewHandler(conf HandlerConfig) http.Handler {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "http"))
	h := &handler{conf: conf, log: conf.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if conf.Stats != nil {
		r.Use(conf.Stats.Middleware)
	}

	r.Get("/v1/health", h.health)
	if conf.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/news", func(r chi.Router) {
		r.Use(gzipMiddleware, conf.Limiter.Middleware("news"))
		r.Get("/headlines", h.headlines)
		r.Get("/search", h.search)
		r.Get("/article", h.article)
		r.Post("/voice-optimize", h.voiceOptimize)
	})

	r.Group(func(r chi.Router) {
		r.Use(conf.Limiter.Middleware("tts"))
		r.Post("/v1/tts", h.synthesize)
		r.Post("/v1/tts/jobs", h.submitJob)
	})

	// Polling and downloads draw on the cheaper general budget.
	r.Group(func(r chi.Router) {
		r.Use(conf.Limiter.Middleware("general"))
		r.Get("/v1/tts/jobs/{id}", h.job)
		r.Get("/v1/audio/{name}", h.audio)
	})

	if conf.AdminToken != "" {
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(h.requireAdmin, gzipMiddleware)
			r.Get("/cache", h.cacheStats)
			r.Delete("/cache", h.flushCache)
			r.Get("/credentials", h.credentials)
		})
	}

	if conf.Tracing {
		return otelhttp.NewHandler(r, "herald")
	}
	return r
}

func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.conf.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResp struct {
	Status            string `json:"status"`
	Store             string `json:"store"`
	StoreConnected    bool   `json:"store_connected"`
	CredentialsUsable int    `json:"credentials_usable"`
	CredentialsTotal  int    `json:"credentials_total"`
}

// health reports `degraded` rather than failing when the store is down,
// since every component keeps serving without it.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{
		Status:            "ok",
		CredentialsUsable: h.conf.Rotator.Usable(),
		CredentialsTotal:  h.conf.Rotator.Size(),
	}
	stats, _ := h.conf.Store.Stats(r.Context())
	resp.Store = stats.Backend
	resp.StoreConnected = h.conf.Store.Ping(r.Context()) == nil
	if !resp.StoreConnected || resp.CredentialsUsable == 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) headlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, _ := h.conf.News.Headlines(r.Context(), HeadlinesQuery{
		Category: q.Get("category"),
		Language: q.Get("lang"),
		Country:  q.Get("country"),
		Query:    q.Get("q"),
		Max:      queryInt(q.Get("max")),
	})
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, _, err := h.conf.News.Search(r.Context(), SearchQuery{
		Query:    q.Get("q"),
		Language: q.Get("lang"),
		Country:  q.Get("country"),
		From:     q.Get("from"),
		To:       q.Get("to"),
		Max:      queryInt(q.Get("max")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) article(w http.ResponseWriter, r *http.Request) {
	content, err := h.conf.News.Article(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

type voiceOptimizeReq struct {
	Content string `json:"content"`
}

type voiceOptimizeResp struct {
	OptimizedContent string `json:"optimized_content"`
}

func (h *handler) voiceOptimize(w http.ResponseWriter, r *http.Request) {
	var req voiceOptimizeReq
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	text, err := h.conf.News.VoiceOptimize(r.Context(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, voiceOptimizeResp{OptimizedContent: text})
}

func (h *handler) synthesize(w http.ResponseWriter, r *http.Request) {
	var req SynthesisRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ref, err := h.conf.Synthesis.Synthesize(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (h *handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SynthesisRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := h.conf.Synthesis.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *handler) job(w http.ResponseWriter, r *http.Request) {
	job, ok, err := h.conf.Synthesis.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) audio(w http.ResponseWriter, r *http.Request) {
	rc, err := h.conf.AudioStore.Open(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "audio not found"})
			return
		}
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "public, max-age=604800")
	if _, err := io.Copy(w, rc); err != nil {
		h.log.WithError(err).Debug("while streaming audio")
	}
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.conf.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type flushResp struct {
	Deleted  int64    `json:"deleted"`
	Patterns []string `json:"patterns"`
}

// flushCache drops cached content by `kind`, by raw `pattern`, or every kind
// when neither is given.
func (h *handler) flushCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var patterns []string
	switch {
	case q.Get("pattern") != "":
		patterns = []string{q.Get("pattern")}
	case q.Get("kind") != "":
		kind := Kind(q.Get("kind"))
		if _, ok := DefaultTTLs[kind]; !ok {
			writeError(w, errors.Wrapf(ErrInvalidParams, "unknown kind '%s'", kind))
			return
		}
		patterns = []string{KindPattern(kind)}
	default:
		for _, kind := range Kinds {
			patterns = append(patterns, KindPattern(kind))
		}
	}

	resp := flushResp{Patterns: patterns}
	for _, p := range patterns {
		n, err := h.conf.Cache.Invalidate(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Deleted += n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) credentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conf.Rotator.Status(r.Context()))
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps caller errors to 400 and a missing store to 503. Anything
// else is logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidParams):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, ErrCacheUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage is unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "request cancelled"})
	default:
		logrus.WithField("category", "http").WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, obj interface{}) {
	resp, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

func readJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Wrapf(ErrInvalidParams, "malformed JSON body: %s", err)
	}
	return nil
}

func queryInt(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0
	}
	return i
}

// HTTPServer owns the listener and lifecycle of the edge handler.
type HTTPServer struct {
	wg       syncutil.WaitGroup
	log      logrus.FieldLogger
	listener net.Listener
	server   *http.Server
}

func NewHTTPServer(address string, handler http.Handler, log logrus.FieldLogger) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", address)
	}
	setter.SetDefault(&log, logrus.WithField("category", "http"))

	return &HTTPServer{
		log:      log,
		listener: listener,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves in the background and returns once the health endpoint answers.
func (s *HTTPServer) Start() error {
	errs := make(chan error, 2)
	s.wg.Go(func() {
		// After Shutdown or Close, the returned error is ErrServerClosed.
		if err := s.server.Serve(s.listener); err != http.ErrServerClosed {
			errs <- err
		}
	})

	go func() {
		errs <- retry(5, 100*time.Millisecond, func() error {
			resp, err := http.Get("http://" + s.Address() + "/v1/health")
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		})
	}()

	if err := <-errs; err != nil {
		return errors.Wrap(err, "while waiting for server to pass health check")
	}
	s.log.Infof("HTTP Listening on %s ...", s.Address())
	return nil
}

func (s *HTTPServer) Address() string {
	return s.listener.Addr().String()
}

func (s *HTTPServer) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("during shutdown")
	}
	s.wg.Wait()
}

func retry(attempts int, d time.Duration, callback func() error) (err error) {
	for i := 0; i < attempts; i++ {
		err = callback()
		if err == nil {
			return nil
		}
		time.Sleep(d)
	}
	return err
}
