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
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RateLimit is the budget of one endpoint category.
type RateLimit struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimits gives each category its own budget so expensive
// operations cannot starve cheap ones.
var DefaultRateLimits = map[string]RateLimit{
	"general":   {Limit: 50, Window: time.Hour},
	"news":      {Limit: 100, Window: time.Hour},
	"tts":       {Limit: 10, Window: time.Hour},
	"comments":  {Limit: 25, Window: time.Hour},
	"feedback":  {Limit: 5, Window: time.Hour},
	"upload":    {Limit: 5, Window: time.Hour},
	"translate": {Limit: 15, Window: time.Hour},
}

type RateLimitResp struct {
	Admitted  bool
	Limit     int64
	Remaining int64
	// When the oldest request in the window falls out of it.
	ResetAt time.Time
	// Zero when admitted.
	RetryAfter time.Duration
}

type RateLimiterConfig struct {
	Limits map[string]RateLimit
	Logger logrus.FieldLogger
}

// RateLimiter admits requests per (client, category) using a sliding window
// over a sorted set of request timestamps.
type RateLimiter struct {
	store  Store
	limits map[string]RateLimit
	log    logrus.FieldLogger
}

var rateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_rate_limit_decisions",
	Help: "Rate limit decisions.  Label \"decision\" = admitted|denied|degraded.",
}, []string{"category", "decision"})

func NewRateLimiter(store Store, conf RateLimiterConfig) *RateLimiter {
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "rate-limit"))
	limits := make(map[string]RateLimit, len(DefaultRateLimits))
	for k, v := range DefaultRateLimits {
		limits[k] = v
	}
	for k, v := range conf.Limits {
		limits[k] = v
	}
	if store == nil {
		store = NullStore{}
	}
	return &RateLimiter{store: store, limits: limits, log: conf.Logger}
}

// Limit returns the budget for category.
func (l *RateLimiter) Limit(category string) (RateLimit, bool) {
	rl, ok := l.limits[category]
	return rl, ok
}

func rateKey(clientID, category string) string {
	return fmt.Sprintf("%s:%s:%s", rateKeyPrefix, clientID, category)
}

// Allow records a request from clientID against category's budget. Only an
// unknown category or an empty client id is an error; if the store cannot be
// reached the request is admitted.
func (l *RateLimiter) Allow(ctx context.Context, clientID, category string) (RateLimitResp, error) {
	rl, ok := l.limits[category]
	if !ok {
		return RateLimitResp{}, errors.Wrapf(ErrInvalidParams, "unknown rate limit category '%s'", category)
	}
	if clientID == "" {
		return RateLimitResp{}, errors.Wrap(ErrInvalidParams, "empty client id")
	}

	now := MillisecondNow()
	window := rl.Window.Milliseconds()
	key := rateKey(clientID, category)
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	var wr WindowResult
	var err error
	if wa, ok := l.store.(WindowAdmitter); ok {
		wr, err = wa.AdmitWindow(ctx, key, now, window, rl.Limit, member)
	} else {
		wr, err = l.admitSequential(ctx, key, now, window, rl.Limit, member)
	}

	if err != nil {
		if !isUnavailable(err) {
			l.log.WithError(err).WithField("key", key).Warn("rate limit check failed; admitting")
		}
		rateLimitDecisions.WithLabelValues(category, "degraded").Inc()
		return RateLimitResp{
			Admitted:  true,
			Limit:     rl.Limit,
			Remaining: rl.Limit,
			ResetAt:   msTime(now + window),
		}, nil
	}

	resp := RateLimitResp{
		Admitted:  wr.Admitted,
		Limit:     rl.Limit,
		Remaining: rl.Limit - wr.Count,
		ResetAt:   msTime(now + window),
	}
	if resp.Remaining < 0 {
		resp.Remaining = 0
	}
	if wr.Count > 0 && wr.Oldest > 0 {
		resp.ResetAt = msTime(wr.Oldest + window)
	}

	if !resp.Admitted {
		resp.RetryAfter = time.Duration(wr.Oldest+window-now) * time.Millisecond
		if wr.Oldest == 0 || resp.RetryAfter < time.Second {
			resp.RetryAfter = time.Second
		}
		rateLimitDecisions.WithLabelValues(category, "denied").Inc()
		return resp, nil
	}
	rateLimitDecisions.WithLabelValues(category, "admitted").Inc()
	return resp, nil
}

// admitSequential is used with stores that cannot admit atomically.
// Concurrent callers may both see a count under the limit, so the limit is
// soft: N racing requests can over-admit by at most N-1.
func (l *RateLimiter) admitSequential(ctx context.Context, key string, now, window, limit int64, member string) (WindowResult, error) {
	if err := l.store.ZRemBelow(ctx, key, float64(now-window)); err != nil {
		return WindowResult{}, err
	}
	count, err := l.store.ZCard(ctx, key)
	if err != nil {
		return WindowResult{}, err
	}

	var r WindowResult
	if count < limit {
		if err := l.store.ZAdd(ctx, key, float64(now), member); err != nil {
			return WindowResult{}, err
		}
		count++
		r.Admitted = true
	}
	r.Count = count
	if count > 0 {
		oldest, ok, err := l.store.ZOldest(ctx, key)
		if err != nil {
			return WindowResult{}, err
		}
		if ok {
			r.Oldest = int64(oldest)
		}
	}
	if err := l.store.Expire(ctx, key, time.Duration(window)*time.Millisecond); err != nil {
		return WindowResult{}, err
	}
	return r, nil
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// ClientID identifies the caller of an HTTP request by the first address in
// X-Forwarded-For, falling back to the connection's remote address.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimitExceeded struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
}

// Middleware rejects requests over category's budget with 429 and reports
// the budget in X-RateLimit-* headers on every response.
func (l *RateLimiter) Middleware(category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp, err := l.Allow(r.Context(), ClientID(r), category)
			if err != nil {
				writeError(w, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(resp.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(resp.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resp.ResetAt.Unix(), 10))

			if !resp.Admitted {
				secs := int64(math.Ceil(resp.RetryAfter.Seconds()))
				h.Set("Retry-After", strconv.FormatInt(secs, 10))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rateLimitExceeded{
					Error:      "rate_limit_exceeded",
					Message:    fmt.Sprintf("Too many %s requests. Try again later.", category),
					RetryAfter: secs,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
