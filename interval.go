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
	"time"

	"github.com/mailgun/holster/v4/syncutil"
)

// Interval is a ticker whose `C` channel only fires after `Next()` has been
// called, so a slow consumer never has ticks pile up behind it.
type Interval struct {
	C  chan struct{}
	in chan struct{}
	wg syncutil.WaitGroup
}

func NewInterval(d time.Duration) *Interval {
	i := Interval{
		C:  make(chan struct{}, 1),
		in: make(chan struct{}),
	}
	i.run(d)
	return &i
}

func (i *Interval) run(d time.Duration) {
	i.wg.Until(func(done chan struct{}) bool {
		select {
		case <-i.in:
			select {
			case <-time.After(d):
			case <-done:
				return false
			}
			i.C <- struct{}{}
			return true
		case <-done:
			return false
		}
	})
}

func (i *Interval) Stop() {
	i.wg.Stop()
}

// Next queues the next interval to run. Calls made while an interval is
// already pending are ignored.
func (i *Interval) Next() {
	select {
	case i.in <- struct{}{}:
	default:
	}
}
