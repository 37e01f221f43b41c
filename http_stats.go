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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/prometheus/client_golang/prometheus"
)

type HTTPStats struct {
	Duration clock.Duration
	Route    string
	Status   int
}

// HTTPStatsHandler implements the Prometheus collector interface. Request
// stats are handed over a channel so the request path never waits on the
// metric vectors.
type HTTPStatsHandler struct {
	reqCh chan *HTTPStats
	wg    syncutil.WaitGroup

	httpRequestCount    *prometheus.CounterVec
	httpRequestDuration *prometheus.SummaryVec
}

func NewHTTPStatsHandler() *HTTPStatsHandler {
	c := &HTTPStatsHandler{
		httpRequestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_http_request_counts",
			Help: "HTTP requests by route and status code.",
		}, []string{"status", "route"}),
		httpRequestDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "herald_http_request_duration",
			Help:       "HTTP request durations in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}, []string{"route"}),
	}
	c.run()
	return c
}

func (c *HTTPStatsHandler) run() {
	c.reqCh = make(chan *HTTPStats, 10000)

	c.wg.Until(func(done chan struct{}) bool {
		select {
		case stat := <-c.reqCh:
			c.httpRequestCount.With(prometheus.Labels{"status": strconv.Itoa(stat.Status), "route": stat.Route}).Inc()
			c.httpRequestDuration.With(prometheus.Labels{"route": stat.Route}).Observe(stat.Duration.Seconds())
		case <-done:
			return false
		}
		return true
	})
}

func (c *HTTPStatsHandler) Describe(ch chan<- *prometheus.Desc) {
	c.httpRequestCount.Describe(ch)
	c.httpRequestDuration.Describe(ch)
}

func (c *HTTPStatsHandler) Collect(ch chan<- prometheus.Metric) {
	c.httpRequestCount.Collect(ch)
	c.httpRequestDuration.Collect(ch)
}

func (c *HTTPStatsHandler) Close() {
	c.wg.Stop()
}

// Middleware records one stat per request, labelled with the matched chi
// route pattern so path parameters do not explode the label space.
func (c *HTTPStatsHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		stat := &HTTPStats{Duration: clock.Since(start), Route: route, Status: sw.status}
		select {
		case c.reqCh <- stat:
		default:
			// Dropped when the collector falls behind.
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
