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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Narrator turns text into encoded speech in any container the codec can
// decode.
type Narrator interface {
	Narrate(ctx context.Context, text, voiceID string) ([]byte, error)
}

type HTTPNarratorConfig struct {
	// Endpoint accepting POST {"text": ..., "voice": ...} and replying with audio.
	URL string

	// Outbound request pacing. Zero disables pacing.
	RequestsPerSecond float64

	Timeout time.Duration

	// Overrides the default traced client, used by tests.
	Client *http.Client
}

// HTTPNarrator calls a speech engine over HTTP.
type HTTPNarrator struct {
	conf    HTTPNarratorConfig
	client  *http.Client
	limiter *rate.Limiter
}

// Largest narration accepted from the engine.
const maxNarrationBytes = 64 << 20

type narrateRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

func NewHTTPNarrator(conf HTTPNarratorConfig) *HTTPNarrator {
	setter.SetDefault(&conf.URL, "http://localhost:5050/v1/speech")
	setter.SetDefault(&conf.Timeout, 60*time.Second)
	setter.SetDefault(&conf.Client, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   conf.Timeout,
	})

	limiter := rate.NewLimiter(rate.Inf, 1)
	if conf.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), 1)
	}
	return &HTTPNarrator{conf: conf, client: conf.Client, limiter: limiter}
}

func (n *HTTPNarrator) Narrate(ctx context.Context, text, voiceID string) ([]byte, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "while waiting for narrator slot")
	}

	body, err := json.Marshal(narrateRequest{Text: text, Voice: voiceID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.conf.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "while building narrator request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &OriginError{Outcome: OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxNarrationBytes))
	if err != nil {
		return nil, &OriginError{Outcome: OutcomeTransient, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewStatusError(resp.StatusCode, string(b))
	}
	if len(b) == 0 {
		return nil, &OriginError{Outcome: OutcomeTransient, Status: resp.StatusCode, Err: errors.New("empty narration")}
	}
	return b, nil
}
