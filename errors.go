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
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrCredentialsExhausted means every usable credential failed or is
	// cooling down. Never surfaced to end users; the fetcher returns the
	// fallback payload instead.
	ErrCredentialsExhausted = errors.New("credentials exhausted")

	// ErrSynthesisFailed is recorded when a synthesis pipeline produced
	// fallback audio.
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrInvalidParams is the only error class returned to the edge, as a 400.
	ErrInvalidParams = errors.New("invalid parameters")
)

// Outcome classifies a single origin attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAuthFailed
	OutcomeQuotaFailed
	OutcomeTransient
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeQuotaFailed:
		return "quota_failed"
	case OutcomeTransient:
		return "transient"
	case OutcomeExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// credentialFault reports whether the outcome blames the credential, in which
// case the fetcher cools it down and moves on to the next one.
func (o Outcome) credentialFault() bool {
	return o == OutcomeAuthFailed || o == OutcomeQuotaFailed
}

// OriginError is returned by origin calls to tell the fetcher how an attempt
// failed.
type OriginError struct {
	Outcome Outcome
	Status  int
	Err     error
}

func (e *OriginError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("origin %s (HTTP %d): %v", e.Outcome, e.Status, e.Err)
	}
	return fmt.Sprintf("origin %s: %v", e.Outcome, e.Err)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an upstream HTTP status onto an Outcome.
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeOK
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return OutcomeAuthFailed
	case status == http.StatusTooManyRequests:
		return OutcomeQuotaFailed
	}
	return OutcomeTransient
}

// NewStatusError builds the OriginError for a non 2xx HTTP response.
func NewStatusError(status int, body string) *OriginError {
	if len(body) > 200 {
		body = body[:200]
	}
	return &OriginError{
		Outcome: ClassifyStatus(status),
		Status:  status,
		Err:     errors.Errorf("unexpected response: %s", body),
	}
}

// OutcomeOf classifies any error returned by an origin. Errors that are not an
// *OriginError (network failures, decode errors) count as transient.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var oe *OriginError
	if errors.As(err, &oe) {
		return oe.Outcome
	}
	if errors.Is(err, ErrCredentialsExhausted) {
		return OutcomeExhausted
	}
	return OutcomeTransient
}
