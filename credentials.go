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
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/sirupsen/logrus"
)

// Credential is one slot of an interchangeable API key pool.
type Credential struct {
	Index int
	Token string
}

// Fingerprint identifies the token in logs without revealing it.
func (c Credential) Fingerprint() string {
	return fingerprint(c.Token)
}

func fingerprint(token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("%016x", fnv1a.HashString64(token))[:8]
}

type CredentialStatus struct {
	Index         int       `json:"index"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Configured    bool      `json:"configured"`
	CoolingDown   bool      `json:"cooling_down"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	UsageThisHour int64     `json:"usage_this_hour"`
}

type CredentialRotatorConfig struct {
	// Names the upstream the pool belongs to. Part of every store key.
	Endpoint string

	// Pool slots in order. Empty strings are kept as skipped slots so
	// indexes stay stable.
	Tokens []string

	// How long a failed credential is skipped. Defaults to one hour.
	Cooldown time.Duration

	Logger logrus.FieldLogger
}

// CredentialRotator hands out the next usable credential from a pool,
// skipping empty slots and credentials that are cooling down after a
// failure. Cooldowns are persisted to the store so every process sharing it
// agrees, and mirrored in-process so rotation keeps working when the store
// is unavailable.
type CredentialRotator struct {
	store Store
	conf  CredentialRotatorConfig
	log   logrus.FieldLogger

	mu        sync.Mutex
	cursor    int
	cooldowns map[int]time.Time
}

var credentialFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_credential_failures",
	Help: "Credentials put into cooldown.",
}, []string{"endpoint", "index"})

func NewCredentialRotator(store Store, conf CredentialRotatorConfig) *CredentialRotator {
	setter.SetDefault(&conf.Endpoint, "default")
	setter.SetDefault(&conf.Cooldown, time.Hour)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "credentials"))

	return &CredentialRotator{
		store:     store,
		conf:      conf,
		log:       conf.Logger.WithField("endpoint", conf.Endpoint),
		cooldowns: make(map[int]time.Time),
	}
}

// Size returns the number of slots, including empty ones.
func (r *CredentialRotator) Size() int {
	return len(r.conf.Tokens)
}

// Usable returns the number of non empty slots.
func (r *CredentialRotator) Usable() int {
	var n int
	for _, t := range r.conf.Tokens {
		if t != "" {
			n++
		}
	}
	return n
}

// Cooldown is the default penalty applied by MarkFailed callers.
func (r *CredentialRotator) Cooldown() time.Duration {
	return r.conf.Cooldown
}

func (r *CredentialRotator) cooldownKey(index int) string {
	return fmt.Sprintf("%s:%s:%d", cooldownKeyPrefix, r.conf.Endpoint, index)
}

func (r *CredentialRotator) usageKey(index int, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", usageKeyPrefix, r.conf.Endpoint, index, now.Unix()/3600)
}

// NextUsable scans at most one full cycle starting at the cursor and returns
// the first non empty credential that is not cooling down. The cursor is not
// advanced; only MarkFailed moves it.
func (r *CredentialRotator) NextUsable(ctx context.Context) (Credential, bool) {
	n := len(r.conf.Tokens)
	if n == 0 {
		return Credential{}, false
	}

	r.mu.Lock()
	start := r.cursor
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if r.conf.Tokens[idx] == "" {
			continue
		}
		if until, cooling := r.cooldownUntil(ctx, idx); cooling {
			r.log.WithField("index", idx).Debugf("skipping credential cooling down until %s", until.Format(time.RFC3339))
			continue
		}
		return Credential{Index: idx, Token: r.conf.Tokens[idx]}, true
	}
	return Credential{}, false
}

// cooldownUntil reports whether the slot is cooling down, consulting the
// in-process mirror first and the store second.
func (r *CredentialRotator) cooldownUntil(ctx context.Context, index int) (time.Time, bool) {
	now := clock.Now()

	r.mu.Lock()
	until, ok := r.cooldowns[index]
	if ok && !now.Before(until) {
		delete(r.cooldowns, index)
		ok = false
	}
	r.mu.Unlock()
	if ok {
		return until, true
	}

	b, found, err := r.store.Get(ctx, r.cooldownKey(index))
	if err != nil || !found {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// Present but unreadable still means the key was marked failed.
		return now.Add(r.conf.Cooldown), true
	}
	until = time.Unix(secs, 0)
	if !now.Before(until) {
		return time.Time{}, false
	}

	r.mu.Lock()
	r.cooldowns[index] = until
	r.mu.Unlock()
	return until, true
}

// MarkFailed cools the credential down for the given duration and moves the
// cursor past it.
func (r *CredentialRotator) MarkFailed(ctx context.Context, index int, cooldown time.Duration) {
	n := len(r.conf.Tokens)
	if index < 0 || index >= n {
		return
	}
	if cooldown <= 0 {
		cooldown = r.conf.Cooldown
	}
	until := clock.Now().Add(cooldown)

	r.mu.Lock()
	r.cooldowns[index] = until
	r.cursor = (index + 1) % n
	r.mu.Unlock()

	credentialFailures.WithLabelValues(r.conf.Endpoint, strconv.Itoa(index)).Inc()
	r.log.WithFields(logrus.Fields{
		"index":       index,
		"fingerprint": fingerprint(r.conf.Tokens[index]),
		"cooldown":    cooldown.String(),
	}).Warn("credential marked failed")

	err := r.store.SetEX(ctx, r.cooldownKey(index), []byte(strconv.FormatInt(until.Unix(), 10)), cooldown)
	if err != nil && !isUnavailable(err) {
		r.log.WithError(err).Warn("while persisting credential cooldown")
	}
}

// MarkUsed counts a request against the credential's hourly usage.
func (r *CredentialRotator) MarkUsed(ctx context.Context, index int) {
	if index < 0 || index >= len(r.conf.Tokens) {
		return
	}
	_, err := r.store.IncrExpire(ctx, r.usageKey(index, clock.Now()), time.Hour)
	if err != nil && !isUnavailable(err) {
		r.log.WithError(err).Debug("while tracking credential usage")
	}
}

// Status reports every slot for the admin API.
func (r *CredentialRotator) Status(ctx context.Context) []CredentialStatus {
	now := clock.Now()
	out := make([]CredentialStatus, len(r.conf.Tokens))
	for i, token := range r.conf.Tokens {
		s := CredentialStatus{
			Index:       i,
			Fingerprint: fingerprint(token),
			Configured:  token != "",
		}
		if s.Configured {
			s.CooldownUntil, s.CoolingDown = r.cooldownUntil(ctx, i)
			if b, ok, err := r.store.Get(ctx, r.usageKey(i, now)); err == nil && ok {
				s.UsageThisHour, _ = strconv.ParseInt(string(b), 10, 64)
			}
		}
		out[i] = s
	}
	return out
}
