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
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

type ResilientFetcherConfig struct {
	// Upper bound on origin attempts per fetch, further capped by the pool size.
	MaxAttempts int

	// Cooldown applied to a credential rejected by the origin.
	Cooldown time.Duration

	// Bounds a whole origin attempt loop. The loop runs detached from the
	// caller so a cancelled caller does not abort it.
	OriginTimeout time.Duration

	Logger logrus.FieldLogger
}

// ResilientFetcher serves cached payloads and, on a miss, calls the origin
// with credentials in rotation order. Callers always get a payload back;
// failures resolve to the request's fallback.
type ResilientFetcher struct {
	cache   *ContentCache
	rotator *CredentialRotator
	conf    ResilientFetcherConfig
	log     logrus.FieldLogger
	group   singleflight.Group
}

// FetchRequest describes one cached resource and what to return when it
// cannot be fetched.
type FetchRequest[T any] struct {
	Kind     Kind
	Params   Params
	Fallback T
}

// FetchResult reports how a payload was obtained.
type FetchResult struct {
	Outcome   Outcome
	FromCache bool
	// Number of origin calls made, zero on a cache hit.
	Attempts int
	// Error behind a fallback, nil on success.
	Err error
}

// Fallback reports whether the caller received the fallback payload.
func (r FetchResult) Fallback() bool {
	return r.Outcome != OutcomeOK
}

// OriginFunc calls the origin with one credential. Errors should be an
// *OriginError; anything else counts as transient.
type OriginFunc[T any] func(ctx context.Context, cred Credential) (T, error)

type flightResult struct {
	value  interface{}
	result FetchResult
}

var fetchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_fetch_outcome_count",
	Help: "Fetch results by kind.  Label \"outcome\" = cache|ok|auth_failed|quota_failed|transient|exhausted.",
}, []string{"kind", "outcome"})

var fetchDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "herald_fetch_origin_duration",
	Help:       "The timings of origin attempt loops in seconds.",
	Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
}, []string{"kind"})

func NewResilientFetcher(cache *ContentCache, rotator *CredentialRotator, conf ResilientFetcherConfig) *ResilientFetcher {
	setter.SetDefault(&conf.MaxAttempts, 3)
	setter.SetDefault(&conf.Cooldown, rotator.Cooldown())
	setter.SetDefault(&conf.OriginTimeout, 30*time.Second)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "fetcher"))

	return &ResilientFetcher{
		cache:   cache,
		rotator: rotator,
		conf:    conf,
		log:     conf.Logger,
	}
}

// Rotator returns the credential pool the fetcher draws from.
func (f *ResilientFetcher) Rotator() *CredentialRotator {
	return f.rotator
}

// Fetch returns the cached payload for the request, or calls origin on a
// miss. Concurrent misses for the same resource share one attempt loop. If
// ctx is cancelled while waiting, the fallback is returned immediately and
// the in-flight result is only used to populate the cache.
func Fetch[T any](ctx context.Context, f *ResilientFetcher, req FetchRequest[T], origin OriginFunc[T]) (T, FetchResult) {
	ctx = tracing.StartNamedScope(ctx, "Fetch."+string(req.Kind))
	var err error
	defer func() { tracing.EndScope(ctx, err) }()

	var cached T
	if f.cache.Get(ctx, req.Kind, req.Params, &cached) {
		fetchOutcomes.WithLabelValues(string(req.Kind), "cache").Inc()
		return cached, FetchResult{Outcome: OutcomeOK, FromCache: true}
	}

	key := f.cache.Key(req.Kind, req.Params)
	ch := f.group.DoChan(key, func() (interface{}, error) {
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.conf.OriginTimeout)
		defer cancel()
		v, res := fetchOrigin(octx, f, req, origin)
		return flightResult{value: v, result: res}, nil
	})

	select {
	case r := <-ch:
		fr := r.Val.(flightResult)
		err = fr.result.Err
		if fr.result.Outcome != OutcomeOK {
			return req.Fallback, fr.result
		}
		return fr.value.(T), fr.result
	case <-ctx.Done():
		err = ctx.Err()
		return req.Fallback, FetchResult{Outcome: OutcomeTransient, Err: err}
	}
}

// fetchOrigin runs the attempt loop: auth and quota failures cool the
// credential down and try the next one, anything else aborts.
func fetchOrigin[T any](ctx context.Context, f *ResilientFetcher, req FetchRequest[T], origin OriginFunc[T]) (T, FetchResult) {
	timer := prometheus.NewTimer(fetchDuration.WithLabelValues(string(req.Kind)))
	defer timer.ObserveDuration()

	log := f.log.WithField("kind", req.Kind)
	attempts := f.conf.MaxAttempts
	if n := f.rotator.Size(); n < attempts {
		attempts = n
	}

	var res FetchResult
	var lastErr error
	for res.Attempts < attempts {
		cred, ok := f.rotator.NextUsable(ctx)
		if !ok {
			break
		}
		res.Attempts++
		f.rotator.MarkUsed(ctx, cred.Index)
		trace.SpanFromContext(ctx).AddEvent("origin attempt", trace.WithAttributes(
			attribute.Int("credential", cred.Index),
			attribute.Int("attempt", res.Attempts),
		))

		v, err := origin(ctx, cred)
		if err == nil {
			f.cache.Put(ctx, req.Kind, req.Params, v)
			res.Outcome = OutcomeOK
			fetchOutcomes.WithLabelValues(string(req.Kind), res.Outcome.String()).Inc()
			return v, res
		}

		outcome := OutcomeOf(err)
		log.WithError(err).WithFields(logrus.Fields{
			"credential":  cred.Index,
			"fingerprint": cred.Fingerprint(),
			"outcome":     outcome.String(),
		}).Warn("origin attempt failed")

		if !outcome.credentialFault() {
			res.Outcome = OutcomeTransient
			res.Err = err
			fetchOutcomes.WithLabelValues(string(req.Kind), res.Outcome.String()).Inc()
			return req.Fallback, res
		}
		f.rotator.MarkFailed(ctx, cred.Index, f.conf.Cooldown)
		lastErr = err
	}

	res.Outcome = OutcomeExhausted
	res.Err = ErrCredentialsExhausted
	if lastErr != nil {
		res.Err = errors.Wrap(ErrCredentialsExhausted, lastErr.Error())
	}
	fetchOutcomes.WithLabelValues(string(req.Kind), res.Outcome.String()).Inc()
	log.WithField("attempts", res.Attempts).Error("no usable credential; serving fallback")
	return req.Fallback, res
}
