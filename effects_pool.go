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
	"runtime"
	"sync"

	"github.com/mailgun/herald/audio"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// EffectsPool runs the CPU bound effects chain on a fixed set of goroutines
// so request handling goroutines only ever wait on it.
type EffectsPool struct {
	jobs    chan effectsJob
	done    chan struct{}
	wg      sync.WaitGroup
	workers int
	apply   func(audio.Effects, audio.PCM) audio.PCM
}

type effectsJob struct {
	ctx    context.Context
	pcm    audio.PCM
	fx     audio.Effects
	result chan effectsResult
}

type effectsResult struct {
	pcm audio.PCM
	err error
}

var effectsQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "herald_effects_queue_length",
	Help: "Effects chains waiting for a worker.",
})

var effectsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "herald_effects_active",
	Help: "Effects chains currently running.",
})

func NewEffectsPool(workers int) *EffectsPool {
	setter.SetDefault(&workers, runtime.NumCPU())

	p := &EffectsPool{
		jobs:    make(chan effectsJob, workers*4),
		done:    make(chan struct{}),
		workers: workers,
		apply:   audio.Effects.Apply,
	}
	logrus.WithField("category", "effects").Debugf("Starting %d effects workers...", workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *EffectsPool) run() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			effectsQueueLength.Set(float64(len(p.jobs)))
			if job.ctx.Err() != nil {
				// Nobody is waiting for the result.
				continue
			}
			effectsActive.Inc()
			// result is buffered; the worker never blocks on a caller that left.
			job.result <- p.process(job)
			effectsActive.Dec()
		case <-p.done:
			return
		}
	}
}

// process runs one chain. A panic in the chain fails the job, not the worker.
func (p *EffectsPool) process(job effectsJob) (r effectsResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithField("category", "effects").
				WithField("panic", rec).Error("effects chain panicked")
			r = effectsResult{err: errors.Wrapf(ErrSynthesisFailed, "effects chain panicked: %v", rec)}
		}
	}()
	return effectsResult{pcm: p.apply(job.fx, job.pcm)}
}

// Process applies fx to pcm on a pool worker and waits for the result.
func (p *EffectsPool) Process(ctx context.Context, pcm audio.PCM, fx audio.Effects) (audio.PCM, error) {
	job := effectsJob{
		ctx:    ctx,
		pcm:    pcm,
		fx:     fx,
		result: make(chan effectsResult, 1),
	}

	select {
	case p.jobs <- job:
		effectsQueueLength.Set(float64(len(p.jobs)))
	case <-p.done:
		return audio.PCM{}, ErrSynthesisFailed
	case <-ctx.Done():
		return audio.PCM{}, ctx.Err()
	}

	select {
	case out := <-job.result:
		return out.pcm, out.err
	case <-ctx.Done():
		return audio.PCM{}, ctx.Err()
	}
}

// Close stops the workers after their current job.
func (p *EffectsPool) Close() error {
	close(p.done)
	p.wg.Wait()
	return nil
}
