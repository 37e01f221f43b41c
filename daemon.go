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

	"github.com/mailgun/herald/audio"
	"github.com/mailgun/herald/storage"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// Daemon wires every component from a DaemonConfig and serves the HTTP edge.
type Daemon struct {
	Store     Store
	Cache     *ContentCache
	Rotator   *CredentialRotator
	Fetcher   *ResilientFetcher
	Limiter   *RateLimiter
	News      *NewsService
	Synthesis *SynthesisScheduler

	log          logrus.FieldLogger
	conf         DaemonConfig
	promRegister *prometheus.Registry
	statsHandler *HTTPStatsHandler
	effects      *EffectsPool
	warmer       *HeadlinesWarmer
	httpSrv      *HTTPServer
}

// SpawnDaemon starts a new herald daemon according to the provided DaemonConfig.
// This function will block until the daemon responds to connections on
// HTTPListenAddress.
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	s := Daemon{
		log:  conf.Logger,
		conf: conf,
	}
	setter.SetDefault(&s.log, logrus.WithField("category", "herald"))

	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &s, nil
}

func (s *Daemon) Start(ctx context.Context) error {
	var err error
	s.promRegister = prometheus.NewRegistry()

	var extra []prometheus.Collector
	s.Store, extra, err = NewStore(ctx, s.conf, s.log)
	if err != nil {
		return err
	}

	s.Cache = NewContentCache(s.Store, ContentCacheConfig{
		TTLs:       s.conf.CacheTTLs,
		PutTimeout: s.conf.CachePutTimeout,
		Logger:     s.log.WithField("category", "cache"),
	})

	s.Rotator = NewCredentialRotator(s.Store, CredentialRotatorConfig{
		Endpoint: "gnews",
		Tokens:   s.conf.GNewsTokens,
		Cooldown: s.conf.CredentialCooldown,
		Logger:   s.log.WithField("category", "credentials"),
	})

	s.Fetcher = NewResilientFetcher(s.Cache, s.Rotator, ResilientFetcherConfig{
		MaxAttempts:   s.conf.FetchMaxAttempts,
		OriginTimeout: s.conf.OriginTimeout,
		Logger:        s.log.WithField("category", "fetcher"),
	})

	s.Limiter = NewRateLimiter(s.Store, RateLimiterConfig{
		Limits: s.conf.RateLimits,
		Logger: s.log.WithField("category", "ratelimit"),
	})

	s.News, err = NewNewsService(NewsServiceConfig{
		Fetcher: s.Fetcher,
		Cache:   s.Cache,
		GNews: NewGNewsOrigin(GNewsConfig{
			BaseURL:           s.conf.GNewsBaseURL,
			RequestsPerSecond: s.conf.OriginRPS,
		}),
		Articles: NewArticleOrigin(ArticleOriginConfig{}),
		Logger:   s.log.WithField("category", "news"),
	})
	if err != nil {
		return errors.Wrap(err, "while creating news service")
	}

	audioStore, err := newAudioStore(ctx, s.conf)
	if err != nil {
		return err
	}

	codec := audio.NewFFmpeg(audio.FFmpegConfig{Path: s.conf.FFmpegPath})
	if !codec.Available() {
		s.log.Warn("ffmpeg not found; synthesis will serve the silent fallback")
	}

	s.effects = NewEffectsPool(s.conf.EffectsWorkers)
	s.Synthesis, err = NewSynthesisScheduler(SynthesisSchedulerConfig{
		Concurrency: s.conf.SynthConcurrency,
		Narrator:    NewHTTPNarrator(HTTPNarratorConfig{URL: s.conf.NarratorURL}),
		Codec:       codec,
		Effects:     s.effects,
		AudioStore:  audioStore,
		Cache:       s.Cache,
		Store:       s.Store,
		Logger:      s.log.WithField("category", "synthesis"),
	})
	if err != nil {
		return errors.Wrap(err, "while creating synthesis scheduler")
	}

	s.statsHandler = NewHTTPStatsHandler()
	extra = append(extra, s.statsHandler)
	if s.conf.MetricFlags.Has(FlagOSMetrics) {
		s.log.Info("Enabling OS metrics")
		extra = append(extra, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if s.conf.MetricFlags.Has(FlagGolangMetrics) {
		s.log.Info("Enabling golang metrics")
		extra = append(extra, collectors.NewGoCollector())
	}
	if err := RegisterMetrics(s.promRegister, extra...); err != nil {
		return errors.Wrap(err, "while registering metrics")
	}

	handler := NewHandler(HandlerConfig{
		News:       s.News,
		Synthesis:  s.Synthesis,
		AudioStore: audioStore,
		Cache:      s.Cache,
		Store:      s.Store,
		Rotator:    s.Rotator,
		Limiter:    s.Limiter,
		Stats:      s.statsHandler,
		Gatherer:   s.promRegister,
		AdminToken: s.conf.AdminToken,
		Tracing:    s.conf.Tracing,
		Logger:     s.log.WithField("category", "http"),
	})

	s.httpSrv, err = NewHTTPServer(s.conf.HTTPListenAddress, handler, s.log.WithField("category", "http"))
	if err != nil {
		return err
	}
	if err := s.httpSrv.Start(); err != nil {
		return err
	}

	if len(s.conf.WarmCategories) != 0 && s.Rotator.Size() != 0 {
		s.warmer = NewHeadlinesWarmer(s.News, WarmerConfig{
			Categories: s.conf.WarmCategories,
			Interval:   s.conf.WarmInterval,
			Logger:     s.log.WithField("category", "warmer"),
		})
		s.warmer.Start()
	}
	return nil
}

// NewStore builds the store named by conf.StoreType. An unreachable redis is
// not an error; every operation reports ErrCacheUnavailable until it comes
// back and the components run degraded in the meantime.
func NewStore(ctx context.Context, conf DaemonConfig, log logrus.FieldLogger) (Store, []prometheus.Collector, error) {
	switch conf.StoreType {
	case "redis":
		rs, err := NewRedisStore(conf.Redis)
		if err != nil {
			return nil, nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rs.Ping(pctx); err != nil {
			log.WithError(err).Warn("redis is unreachable; running without a store until it recovers")
		}
		return rs, nil, nil
	case "none":
		log.Warn("no store configured; caching, cooldown sharing and rate limiting are disabled")
		return NullStore{}, nil, nil
	}
	ms := NewMemoryStore(conf.Memory)
	return ms, []prometheus.Collector{ms.Collector()}, nil
}

func newAudioStore(ctx context.Context, conf DaemonConfig) (storage.AudioStore, error) {
	if conf.S3 != nil {
		s3, err := storage.NewS3Store(ctx, *conf.S3)
		return s3, errors.Wrap(err, "while connecting to S3 audio storage")
	}
	fs, err := storage.NewFileStore(storage.FileStoreConfig{Dir: conf.AudioDir, BaseURL: conf.AudioBaseURL})
	return fs, errors.Wrap(err, "while creating audio directory")
}

// Close gracefully closes all server connections and listening sockets
func (s *Daemon) Close() {
	if s.warmer != nil {
		s.warmer.Stop()
	}
	if s.httpSrv != nil {
		s.log.Infof("HTTP close for %s ...", s.httpSrv.Address())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.httpSrv.Stop(ctx)
		cancel()
		s.httpSrv = nil
	}
	if s.statsHandler != nil {
		s.statsHandler.Close()
	}
	if s.effects != nil {
		_ = s.effects.Close()
		s.effects = nil
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.log.WithError(err).Warn("while closing store")
		}
		s.Store = nil
	}
}

// Config returns the current config for this Daemon
func (s *Daemon) Config() DaemonConfig {
	return s.conf
}

// Address returns the address the HTTP edge is listening on.
func (s *Daemon) Address() string {
	return s.httpSrv.Address()
}
