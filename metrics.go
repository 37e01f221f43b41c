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

import "github.com/prometheus/client_golang/prometheus"

// componentMetrics are the package level collectors updated by the
// components themselves.
var componentMetrics = []prometheus.Collector{
	cacheAccessMetric,
	cacheWriteErrors,
	credentialFailures,
	fetchOutcomes,
	fetchDuration,
	rateLimitDecisions,
	metricWorkerQueueLength,
	effectsQueueLength,
	effectsActive,
	synthesisDuration,
	synthesisResults,
	synthesisInFlight,
}

// RegisterMetrics registers every component collector with reg. Extra
// collectors such as a MemoryStore's are passed by the caller.
func RegisterMetrics(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	for _, c := range append(componentMetrics, extra...) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
