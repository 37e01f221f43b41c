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
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/sirupsen/logrus"
)

type WarmerConfig struct {
	Categories []string
	// Time between passes. Keep it below the headlines TTL so entries are
	// refilled shortly after they expire.
	Interval time.Duration
	// Bounds one pass over every category.
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// HeadlinesWarmer keeps the headlines of popular categories in the cache so
// the first reader after expiry does not pay for the origin call.
type HeadlinesWarmer struct {
	news     *NewsService
	conf     WarmerConfig
	log      logrus.FieldLogger
	interval *Interval
	wg       syncutil.WaitGroup
}

func NewHeadlinesWarmer(news *NewsService, conf WarmerConfig) *HeadlinesWarmer {
	setter.SetDefault(&conf.Categories, []string{"general"})
	setter.SetDefault(&conf.Interval, 10*time.Minute)
	setter.SetDefault(&conf.Timeout, time.Minute)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "warmer"))
	return &HeadlinesWarmer{news: news, conf: conf, log: conf.Logger}
}

// Start runs a pass immediately and then one per interval until Stop. It
// does not block.
func (w *HeadlinesWarmer) Start() {
	w.interval = NewInterval(w.conf.Interval)
	first := make(chan struct{}, 1)
	first <- struct{}{}

	w.wg.Until(func(done chan struct{}) bool {
		select {
		case <-first:
		case <-w.interval.C:
		case <-done:
			return false
		}
		w.Warm(context.Background())
		w.interval.Next()
		return true
	})
}

// Warm fetches every configured category once and returns how many passes
// produced real articles.
func (w *HeadlinesWarmer) Warm(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, w.conf.Timeout)
	defer cancel()

	var warmed int
	for _, category := range w.conf.Categories {
		_, res := w.news.Headlines(ctx, HeadlinesQuery{Category: category})
		if res.Fallback() {
			w.log.WithError(res.Err).WithField("topic", category).Debug("warm pass served fallback")
			continue
		}
		warmed++
	}
	w.log.Debugf("warmed %d of %d categories", warmed, len(w.conf.Categories))
	return warmed
}

func (w *HeadlinesWarmer) Stop() {
	w.wg.Stop()
	if w.interval != nil {
		w.interval.Stop()
	}
}
