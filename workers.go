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

// Thread-safe worker pool backing the MemoryStore.
// Handles concurrent store requests by sharding the key space across multiple
// workers. Uses a hash ring to route every key to its assigned worker, so
// operations on the same key are serialized without any mutex, and every
// operation is atomic with respect to its key.
//
// Request workflow:
// - A 63-bit hash is generated from the key.
// - Workers are assigned equal size hash ranges.  The worker is selected by
//   choosing the worker index associated with that linear hash value range.
// - The request carries a handler which the worker runs against its own
//   cache.  The worker closes the response channel when the handler returns.

import (
	"context"
	"io"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type WorkerPool struct {
	hasher          workerHasher
	workers         []*Worker
	workerCacheSize int
	hashRingStep    uint64
	done            chan struct{}
}

type Worker struct {
	name    string
	cache   *LRUCache
	request chan workerRequest
}

type workerHasher interface {
	// ComputeHash63 returns a 63-bit hash derived from input.
	ComputeHash63(input string) uint64
}

// hasher is the default implementation of workerHasher.
type hasher struct{}

type workerRequest struct {
	ctx      context.Context
	handler  func(cache Cache)
	response chan struct{}
}

var _ io.Closer = &WorkerPool{}
var _ workerHasher = &hasher{}

var workerCounter int64

var metricWorkerQueueLength = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "herald_worker_queue_length",
	Help:       "The count of requests queued up in the memory store worker pool.",
	Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
}, []string{"worker"})

// NewWorkerPool starts `workers` goroutines sharing `cacheSize` keys between
// them.
func NewWorkerPool(workers, cacheSize int) *WorkerPool {
	setter.SetDefault(&workers, runtime.NumCPU())
	setter.SetDefault(&cacheSize, 50_000)

	// Compute hashRingStep as interval between workers' 63-bit hash ranges.
	// 64th bit is used here as a max value that is just out of range of 63-bit space to calculate the step.
	p := &WorkerPool{
		workers:         make([]*Worker, workers),
		workerCacheSize: cacheSize / workers,
		hasher:          newHasher(),
		hashRingStep:    uint64(1<<63) / uint64(workers),
		done:            make(chan struct{}),
	}

	logrus.WithField("category", "store").Debugf("Starting %d memory store workers...", workers)
	for i := 0; i < workers; i++ {
		p.workers[i] = p.newWorker()
		go p.dispatch(p.workers[i])
	}

	return p
}

func newHasher() *hasher {
	return &hasher{}
}

func (ph *hasher) ComputeHash63(input string) uint64 {
	return xxhash.ChecksumString64S(input, 0) >> 1
}

func (p *WorkerPool) Close() error {
	close(p.done)
	return nil
}

// Create a new pool worker instance.
func (p *WorkerPool) newWorker() *Worker {
	const commandChannelSize = 10000

	worker := &Worker{
		cache:   NewLRUCache(p.workerCacheSize),
		request: make(chan workerRequest, commandChannelSize),
	}
	workerNumber := atomic.AddInt64(&workerCounter, 1) - 1
	worker.name = strconv.FormatInt(workerNumber, 10)
	return worker
}

// getWorker returns the worker that owns the key.
// Hash the key, then lookup hash ring to find the worker.
func (p *WorkerPool) getWorker(key string) *Worker {
	hash := p.hasher.ComputeHash63(key)
	idx := hash / p.hashRingStep
	return p.workers[idx]
}

// Pool worker for processing store requests.
// Each worker maintains its own state.
// See: getWorker()
func (p *WorkerPool) dispatch(worker *Worker) {
	for {
		select {
		case req, ok := <-worker.request:
			if !ok {
				// Channel closed.  Unexpected, but should be handled.
				logrus.Error("workerPool worker stopped because channel closed")
				return
			}

			if req.ctx.Err() != nil {
				// Caller gave up before we got to it.
				trace.SpanFromContext(req.ctx).RecordError(req.ctx.Err())
				continue
			}
			req.handler(worker.cache)
			close(req.response)

		case <-p.done:
			// Clean up.
			return
		}
	}
}

// Exec runs handler on the worker that owns key and waits for it to finish.
// The handler must not retain the cache after it returns.
func (p *WorkerPool) Exec(ctx context.Context, key string, handler func(cache Cache)) error {
	return p.send(ctx, p.getWorker(key), handler)
}

// ExecAll runs handler once on every worker concurrently and waits for all of
// them to finish.
func (p *WorkerPool) ExecAll(ctx context.Context, handler func(cache Cache)) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(p.workers))

	for _, worker := range p.workers {
		wg.Add(1)
		go func(worker *Worker) {
			defer wg.Done()
			if err := p.send(ctx, worker, handler); err != nil {
				errs <- err
			}
		}(worker)
	}
	wg.Wait()
	close(errs)

	return <-errs
}

func (p *WorkerPool) send(ctx context.Context, worker *Worker, handler func(cache Cache)) error {
	req := workerRequest{
		ctx:      ctx,
		handler:  handler,
		response: make(chan struct{}),
	}

	select {
	case worker.request <- req:
		// Successfully sent request.
	case <-p.done:
		return ErrCacheUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	metricWorkerQueueLength.WithLabelValues(worker.name).Observe(float64(len(worker.request)))

	select {
	case <-req.response:
		return nil
	case <-p.done:
		return ErrCacheUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Caches returns the cache owned by each worker, for metrics collection.
func (p *WorkerPool) Caches() []*LRUCache {
	caches := make([]*LRUCache, 0, len(p.workers))
	for _, w := range p.workers {
		caches = append(caches, w.cache)
	}
	return caches
}
