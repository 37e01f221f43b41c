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
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/herald/audio"
	"github.com/mailgun/herald/storage"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
	MaxDepth = 3.0
)

type SynthesisRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Depth   float64 `json:"depth"`
}

// AudioRef points at rendered narration.
type AudioRef struct {
	Name       string `json:"name,omitempty"`
	URL        string `json:"url,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	// Set when synthesis failed and the silent clip was returned instead.
	Fallback bool `json:"fallback,omitempty"`
	Cached   bool `json:"cached,omitempty"`
}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job tracks an asynchronous synthesis. A failed job still carries the
// fallback audio in Result.
type Job struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	TextHash  string    `json:"text_hash"`
	VoiceID   string    `json:"voice_id"`
	Speed     float64   `json:"speed"`
	Depth     float64   `json:"depth"`
	Result    *AudioRef `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SynthesisSchedulerConfig struct {
	// Pipelines allowed to run at once. Requests beyond it wait.
	Concurrency int

	// Length of the silent clip returned on failure.
	FallbackDuration time.Duration

	// Bounds one pipeline run, which continues even if the caller leaves.
	Timeout time.Duration

	// How long async job records can be polled.
	JobTTL time.Duration

	Narrator   Narrator
	Codec      audio.Codec
	Effects    *EffectsPool
	AudioStore storage.AudioStore
	Cache      *ContentCache

	// Holds async job records.
	Store Store

	Logger logrus.FieldLogger
}

// SynthesisScheduler renders narration under a concurrency bound. Any
// failure past input validation resolves to a silent clip.
type SynthesisScheduler struct {
	conf SynthesisSchedulerConfig
	sem  *semaphore.Weighted
	log  logrus.FieldLogger
}

var synthesisDuration = prometheus.NewSummary(prometheus.SummaryOpts{
	Name:       "herald_synthesis_duration",
	Help:       "The timings of synthesis pipelines in seconds.",
	Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
})

var synthesisResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_synthesis_count",
	Help: "Synthesis results.  Label \"result\" = rendered|cached|fallback.",
}, []string{"result"})

var synthesisInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "herald_synthesis_in_flight",
	Help: "Synthesis pipelines holding a slot.",
})

func NewSynthesisScheduler(conf SynthesisSchedulerConfig) (*SynthesisScheduler, error) {
	setter.SetDefault(&conf.Concurrency, 3)
	setter.SetDefault(&conf.FallbackDuration, 3*time.Second)
	setter.SetDefault(&conf.Timeout, 2*time.Minute)
	setter.SetDefault(&conf.JobTTL, 6*time.Hour)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "synthesis"))

	if conf.Narrator == nil || conf.Codec == nil || conf.Effects == nil || conf.AudioStore == nil || conf.Cache == nil {
		return nil, errors.New("narrator, codec, effects pool, audio store and cache are required")
	}
	if conf.Store == nil {
		conf.Store = NullStore{}
	}

	return &SynthesisScheduler{
		conf: conf,
		sem:  semaphore.NewWeighted(int64(conf.Concurrency)),
		log:  conf.Logger,
	}, nil
}

var badEndings = regexp.MustCompile(`(?i)[\s,;:]*\b(according to|selon)\s*$`)

// CleanNarration collapses whitespace and drops a dangling attribution left
// by truncation, such as a trailing "according to".
func CleanNarration(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if badEndings.MatchString(text) {
		text = strings.TrimSpace(badEndings.ReplaceAllString(text, ""))
		if text != "" && !strings.HasSuffix(text, ".") {
			text += "."
		}
	}
	return text
}

// Validate cleans the request in place and rejects malformed input. A zero
// speed means normal speed.
func (r *SynthesisRequest) Validate() error {
	r.Text = CleanNarration(r.Text)
	r.VoiceID = strings.TrimSpace(r.VoiceID)
	setter.SetDefault(&r.Speed, 1.0)

	switch {
	case r.Text == "":
		return errors.Wrap(ErrInvalidParams, "text is empty")
	case r.VoiceID == "":
		return errors.Wrap(ErrInvalidParams, "voice_id is empty")
	case r.Speed < MinSpeed || r.Speed > MaxSpeed:
		return errors.Wrapf(ErrInvalidParams, "speed %.2f out of range [%.1f, %.1f]", r.Speed, MinSpeed, MaxSpeed)
	case r.Depth < 0 || r.Depth > MaxDepth:
		return errors.Wrapf(ErrInvalidParams, "depth %.2f out of range [0, %.0f]", r.Depth, MaxDepth)
	}
	return nil
}

// params identifies the rendered audio. Depth changes the output so it is
// part of the identity.
func (r SynthesisRequest) params() Params {
	return Params{
		strings.ToLower(r.Text),
		strings.ToLower(r.VoiceID),
		strconv.FormatFloat(r.Speed, 'f', 2, 64),
		strconv.FormatFloat(r.Depth, 'f', 2, 64),
	}
}

// Synthesize renders req and waits for the result. Only invalid input or the
// caller's own cancellation is returned as an error; if ctx is cancelled the
// pipeline still runs to completion and caches its result.
func (s *SynthesisScheduler) Synthesize(ctx context.Context, req SynthesisRequest) (AudioRef, error) {
	if err := req.Validate(); err != nil {
		return AudioRef{}, err
	}
	return s.schedule(ctx, req, nil)
}

func (s *SynthesisScheduler) schedule(ctx context.Context, req SynthesisRequest, onAdmit func()) (AudioRef, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return AudioRef{}, err
	}

	done := make(chan AudioRef, 1)
	go func() {
		defer s.sem.Release(1)
		synthesisInFlight.Inc()
		defer synthesisInFlight.Dec()

		if onAdmit != nil {
			onAdmit()
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.conf.Timeout)
		defer cancel()
		done <- s.run(pctx, req)
	}()

	select {
	case ref := <-done:
		return ref, nil
	case <-ctx.Done():
		return AudioRef{}, ctx.Err()
	}
}

// run executes one pipeline while holding a slot.
func (s *SynthesisScheduler) run(ctx context.Context, req SynthesisRequest) AudioRef {
	ctx = tracing.StartNamedScope(ctx, "SynthesisScheduler.run")
	var err error
	defer func() { tracing.EndScope(ctx, err) }()

	timer := prometheus.NewTimer(synthesisDuration)
	defer timer.ObserveDuration()

	params := req.params()
	log := s.log.WithFields(logrus.Fields{
		"voice": req.VoiceID,
		"speed": req.Speed,
		"depth": req.Depth,
	})

	if ref, ok := s.cached(ctx, params); ok {
		synthesisResults.WithLabelValues("cached").Inc()
		return ref
	}

	ref, err := s.render(ctx, req, params)
	if err != nil {
		log.WithError(err).Error("synthesis failed; returning silent fallback")
		err = errors.Wrap(ErrSynthesisFailed, err.Error())
		synthesisResults.WithLabelValues("fallback").Inc()
		return s.fallback(ctx)
	}

	s.conf.Cache.Put(ctx, KindAudio, params, ref)
	synthesisResults.WithLabelValues("rendered").Inc()
	log.WithField("name", ref.Name).Info("rendered narration")
	return ref
}

// cached returns a previous rendering if its audio object still exists.
// Entries pointing at missing audio are dropped.
func (s *SynthesisScheduler) cached(ctx context.Context, params Params) (AudioRef, bool) {
	var ref AudioRef
	if !s.conf.Cache.Get(ctx, KindAudio, params, &ref) {
		return AudioRef{}, false
	}
	ok, err := s.conf.AudioStore.Exists(ctx, ref.Name)
	if err != nil || !ok {
		s.log.WithField("name", ref.Name).Info("cached audio is missing; dropping entry")
		s.conf.Cache.Drop(ctx, KindAudio, params)
		return AudioRef{}, false
	}
	ref.Cached = true
	return ref, true
}

func (s *SynthesisScheduler) render(ctx context.Context, req SynthesisRequest, params Params) (AudioRef, error) {
	raw, err := s.conf.Narrator.Narrate(ctx, req.Text, req.VoiceID)
	if err != nil {
		return AudioRef{}, errors.Wrap(err, "while narrating")
	}
	pcm, err := s.conf.Codec.Decode(ctx, raw)
	if err != nil {
		return AudioRef{}, err
	}
	if len(pcm.Samples) == 0 {
		return AudioRef{}, errors.New("narration decoded to no samples")
	}

	pcm, err = s.conf.Effects.Process(ctx, pcm, audio.Effects{Speed: req.Speed, Depth: req.Depth})
	if err != nil {
		return AudioRef{}, errors.Wrap(err, "while applying effects")
	}

	mp3, err := s.conf.Codec.Encode(ctx, pcm)
	if err != nil {
		return AudioRef{}, err
	}

	name := strings.TrimPrefix(CacheKey(KindAudio, params), string(KindAudio)+":") + ".mp3"
	if err := s.conf.AudioStore.Put(ctx, name, mp3); err != nil {
		return AudioRef{}, errors.Wrap(err, "while storing audio")
	}
	return AudioRef{
		Name:       name,
		URL:        s.conf.AudioStore.URL(name),
		DurationMS: pcm.Duration().Milliseconds(),
	}, nil
}

// fallback stores the silent clip under a fixed name. It is never cached.
// When the clip cannot be stored the ref carries no name or URL.
func (s *SynthesisScheduler) fallback(ctx context.Context) AudioRef {
	d := s.conf.FallbackDuration
	name := "silence-" + strconv.FormatInt(d.Milliseconds(), 10) + "ms.mp3"
	if err := s.conf.AudioStore.Put(ctx, name, audio.SilentMP3(d)); err != nil {
		s.log.WithError(err).Error("while storing fallback audio")
		// Nothing to point at; report the failure without a URL.
		return AudioRef{DurationMS: d.Milliseconds(), Fallback: true}
	}
	return AudioRef{
		Name:       name,
		URL:        s.conf.AudioStore.URL(name),
		DurationMS: d.Milliseconds(),
		Fallback:   true,
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + ":" + id
}

// Submit queues req and returns immediately. Poll the job with Job.
func (s *SynthesisScheduler) Submit(ctx context.Context, req SynthesisRequest) (Job, error) {
	if err := req.Validate(); err != nil {
		return Job{}, err
	}

	now := clock.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		State:     JobQueued,
		TextHash:  CacheKey(KindAudio, req.params()),
		VoiceID:   req.VoiceID,
		Speed:     req.Speed,
		Depth:     req.Depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.saveJob(ctx, job); err != nil {
		return Job{}, errors.Wrap(err, "while recording job")
	}

	// The worker owns its copy; the caller gets the queued record.
	go s.runJob(context.WithoutCancel(ctx), job, req)
	return job, nil
}

func (s *SynthesisScheduler) runJob(ctx context.Context, job Job, req SynthesisRequest) {
	ref, err := s.schedule(ctx, req, func() {
		job.State = JobRunning
		s.updateJob(ctx, job)
	})
	if err != nil {
		ref = s.fallback(ctx)
	}
	job.State = JobCompleted
	if ref.Fallback {
		job.State = JobFailed
	}
	job.Result = &ref
	s.updateJob(ctx, job)
}

// Job returns the job record for id.
func (s *SynthesisScheduler) Job(ctx context.Context, id string) (Job, bool, error) {
	b, ok, err := s.conf.Store.Get(ctx, jobKey(id))
	if err != nil || !ok {
		return Job{}, false, err
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return Job{}, false, errors.Wrapf(err, "while decoding job '%s'", id)
	}
	return job, true, nil
}

func (s *SynthesisScheduler) saveJob(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.conf.Store.SetEX(ctx, jobKey(job.ID), b, s.conf.JobTTL)
}

func (s *SynthesisScheduler) updateJob(ctx context.Context, job Job) {
	job.UpdatedAt = clock.Now().UTC()
	if err := s.saveJob(ctx, job); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Warn("while updating job")
	}
}
