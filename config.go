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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mailgun/herald/logging"
	"github.com/mailgun/herald/storage"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Most API keys read from numbered variables.
const maxNumberedKeys = 8

type DaemonConfig struct {
	// (Required) The `address:port` that will accept HTTP requests
	HTTPListenAddress string

	// (Optional) One of `redis`, `memory` or `none`. Defaults to `redis`
	// when a URL is configured and `memory` otherwise.
	StoreType string
	Redis     RedisStoreConfig
	Memory    MemoryStoreConfig

	// (Optional) Per kind cache TTL overrides
	CacheTTLs       map[Kind]time.Duration
	CachePutTimeout time.Duration

	// (Optional) GNews pool slots, in rotation order
	GNewsTokens        []string
	GNewsBaseURL       string
	CredentialCooldown time.Duration
	FetchMaxAttempts   int
	OriginTimeout      time.Duration
	OriginRPS          float64

	// (Optional) Per category overrides of DefaultRateLimits
	RateLimits map[string]RateLimit

	SynthConcurrency int
	EffectsWorkers   int
	NarratorURL      string
	FFmpegPath       string
	AudioDir         string
	AudioBaseURL     string

	// (Optional) Keep audio in an S3 bucket instead of AudioDir
	S3 *storage.S3StoreConfig

	WarmCategories []string
	WarmInterval   time.Duration

	// (Optional) Bearer token for /v1/admin. Admin routes are disabled when empty.
	AdminToken string

	// (Optional) Wrap handlers and origin calls in OpenTelemetry spans
	Tracing bool

	// (Optional) Runtime collectors to expose on /metrics
	MetricFlags MetricFlags

	LogLevel  logging.LogLevelJSON
	LogFormat string

	Logger logrus.FieldLogger
}

// SetupDaemonConfig builds a DaemonConfig from the environment. When
// configFile is not nil its `KEY=value` lines are loaded into the
// environment first.
func SetupDaemonConfig(logger *logrus.Logger, configFile io.Reader) (DaemonConfig, error) {
	log := logrus.NewEntry(logger)
	var conf DaemonConfig
	var logLevel string
	var logFormat string

	if configFile != nil {
		log.Info("Loading env config")
		if err := fromEnvFile(log, configFile); err != nil {
			return conf, err
		}
	}

	setter.SetDefault(&logLevel, os.Getenv("HERALD_LOG_LEVEL"), "info")
	if err := json.Unmarshal([]byte(fmt.Sprintf("%q", logLevel)), &conf.LogLevel); err != nil {
		return conf, errors.Wrapf(err, "while parsing HERALD_LOG_LEVEL '%s'", logLevel)
	}
	logger.SetLevel(conf.LogLevel.Level)

	setter.SetDefault(&logFormat, os.Getenv("HERALD_LOG_FORMAT"), "text")
	conf.LogFormat = logFormat
	formatter, err := logging.Formatter(logFormat)
	if err != nil {
		return conf, errors.Wrap(err, "while parsing HERALD_LOG_FORMAT")
	}
	logger.SetFormatter(formatter)
	conf.Logger = logger.WithField("category", "herald")

	// Main config
	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("HERALD_HTTP_ADDRESS"), "localhost:8080")
	setter.SetDefault(&conf.AdminToken, os.Getenv("HERALD_ADMIN_TOKEN"))
	conf.Tracing = getEnvBool(log, "HERALD_TRACING")
	conf.MetricFlags = getEnvMetricFlags(log, "HERALD_METRIC_FLAGS")

	// Store config
	setter.SetDefault(&conf.Redis.URL, os.Getenv("HERALD_REDIS_URL"))
	setter.SetDefault(&conf.Redis.PoolSize, getEnvInteger(log, "HERALD_REDIS_POOL_SIZE"))
	setter.SetDefault(&conf.Redis.DialTimeout, getEnvDuration(log, "HERALD_REDIS_DIAL_TIMEOUT"))
	setter.SetDefault(&conf.Memory.Workers, getEnvInteger(log, "HERALD_MEMORY_WORKERS"))
	setter.SetDefault(&conf.Memory.CacheSize, getEnvInteger(log, "HERALD_MEMORY_CACHE_SIZE"))
	if conf.Redis.URL != "" {
		setter.SetDefault(&conf.StoreType, os.Getenv("HERALD_STORE"), "redis")
	} else {
		setter.SetDefault(&conf.StoreType, os.Getenv("HERALD_STORE"), "memory")
	}
	switch conf.StoreType {
	case "redis":
		if conf.Redis.URL == "" {
			return conf, errors.New("HERALD_STORE=redis requires HERALD_REDIS_URL")
		}
	case "memory", "none":
	default:
		return conf, errors.Errorf("HERALD_STORE=%s is invalid; choices are [redis,memory,none]", conf.StoreType)
	}

	// Cache config
	setter.SetDefault(&conf.CachePutTimeout, getEnvDuration(log, "HERALD_CACHE_PUT_TIMEOUT"))
	for _, kind := range Kinds {
		if d := getEnvDuration(log, ttlEnvName(kind)); d != 0 {
			if conf.CacheTTLs == nil {
				conf.CacheTTLs = make(map[Kind]time.Duration)
			}
			conf.CacheTTLs[kind] = d
		}
	}

	// Origin config
	conf.GNewsTokens = gnewsTokens()
	setter.SetDefault(&conf.GNewsBaseURL, os.Getenv("HERALD_GNEWS_BASE_URL"))
	setter.SetDefault(&conf.CredentialCooldown, getEnvDuration(log, "HERALD_CREDENTIAL_COOLDOWN"))
	setter.SetDefault(&conf.FetchMaxAttempts, getEnvInteger(log, "HERALD_FETCH_MAX_ATTEMPTS"))
	setter.SetDefault(&conf.OriginTimeout, getEnvDuration(log, "HERALD_ORIGIN_TIMEOUT"))
	setter.SetDefault(&conf.OriginRPS, getEnvFloat(log, "HERALD_ORIGIN_RPS"))

	limits, err := ParseRateLimits(os.Getenv("HERALD_RATE_LIMITS"))
	if err != nil {
		return conf, errors.Wrap(err, "while parsing HERALD_RATE_LIMITS")
	}
	conf.RateLimits = limits

	// Synthesis config
	setter.SetDefault(&conf.SynthConcurrency, getEnvInteger(log, "HERALD_SYNTH_CONCURRENCY"))
	setter.SetDefault(&conf.EffectsWorkers, getEnvInteger(log, "HERALD_EFFECTS_WORKERS"))
	setter.SetDefault(&conf.NarratorURL, os.Getenv("HERALD_NARRATOR_URL"))
	setter.SetDefault(&conf.FFmpegPath, os.Getenv("HERALD_FFMPEG_PATH"))
	setter.SetDefault(&conf.AudioDir, os.Getenv("HERALD_AUDIO_DIR"), "audio_cache")
	setter.SetDefault(&conf.AudioBaseURL, os.Getenv("HERALD_AUDIO_BASE_URL"), "/v1/audio")

	if anyHasPrefix("HERALD_S3_", os.Environ()) {
		conf.S3 = &storage.S3StoreConfig{
			Endpoint:        os.Getenv("HERALD_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("HERALD_S3_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("HERALD_S3_SECRET_KEY"),
			Bucket:          os.Getenv("HERALD_S3_BUCKET"),
			UseSSL:          getEnvBool(log, "HERALD_S3_USE_SSL"),
			BaseURL:         os.Getenv("HERALD_S3_BASE_URL"),
		}
		if conf.S3.Endpoint == "" || conf.S3.Bucket == "" {
			return conf, errors.New("HERALD_S3_ENDPOINT and HERALD_S3_BUCKET are required when using S3 audio storage")
		}
	}

	// Warmer config
	setter.SetDefault(&conf.WarmCategories, getEnvSlice("HERALD_WARM_CATEGORIES"))
	setter.SetDefault(&conf.WarmInterval, getEnvDuration(log, "HERALD_WARM_INTERVAL"))

	if len(conf.GNewsTokens) == 0 {
		log.Warn("no GNews API keys configured; news listings will serve fallbacks")
	}
	return conf, nil
}

func ttlEnvName(kind Kind) string {
	r := strings.NewReplacer(":", "_")
	return "HERALD_CACHE_TTL_" + strings.ToUpper(r.Replace(string(kind)))
}

// gnewsTokens reads the comma separated HERALD_GNEWS_API_KEYS, or else the
// numbered HERALD_GNEWS_API_KEY_1..8. Gaps are kept as empty slots so a key's
// index does not depend on its neighbours being set.
func gnewsTokens() []string {
	if v, ok := os.LookupEnv("HERALD_GNEWS_API_KEYS"); ok && v != "" {
		tokens := strings.Split(v, ",")
		for i := range tokens {
			tokens[i] = strings.TrimSpace(tokens[i])
		}
		return tokens
	}

	var tokens []string
	last := 0
	for i := 1; i <= maxNumberedKeys; i++ {
		v := strings.TrimSpace(os.Getenv(fmt.Sprintf("HERALD_GNEWS_API_KEY_%d", i)))
		tokens = append(tokens, v)
		if v != "" {
			last = i
		}
	}
	return tokens[:last]
}

// ParseRateLimits parses `category=limit/seconds` pairs separated by commas,
// for example `tts=10/3600,news=100/3600`.
func ParseRateLimits(s string) (map[string]RateLimit, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	limits := make(map[string]RateLimit)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("expected 'category=limit/seconds'; got '%s'", pair)
		}
		spec := strings.SplitN(parts[1], "/", 2)
		if len(spec) != 2 {
			return nil, errors.Errorf("expected 'limit/seconds'; got '%s'", parts[1])
		}
		limit, err := strconv.ParseInt(strings.TrimSpace(spec[0]), 10, 64)
		if err != nil || limit <= 0 {
			return nil, errors.Errorf("invalid limit '%s' for '%s'", spec[0], parts[0])
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(spec[1]), 10, 64)
		if err != nil || secs <= 0 {
			return nil, errors.Errorf("invalid window '%s' for '%s'", spec[1], parts[0])
		}
		limits[strings.TrimSpace(parts[0])] = RateLimit{Limit: limit, Window: time.Duration(secs) * time.Second}
	}
	return limits, nil
}

func anyHasPrefix(prefix string, items []string) bool {
	for _, i := range items {
		if strings.HasPrefix(i, prefix) {
			return true
		}
	}
	return false
}

func getEnvBool(log logrus.FieldLogger, name string) bool {
	v := strings.ToLower(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a boolean", name)
		return false
	}
	return b
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvFloat(log logrus.FieldLogger, name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a float", name)
		return 0
	}
	return f
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// Take values from a file in the format `HERALD_CONF_ITEM=my-value` and sets them as environment variables.
// Lines that begin with `#` are ignored
func fromEnvFile(log logrus.FieldLogger, configFile io.Reader) error {
	scanner := bufio.NewScanner(configFile)
	var i int
	for scanner.Scan() {
		i++
		line := strings.TrimSpace(scanner.Text())
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || len(line) == 0 {
			continue
		}

		log.Debugf("config: [%d] '%s'", i, line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed key=value on line '%d'", i)
		}

		if err := os.Setenv(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])); err != nil {
			return errors.Wrapf(err, "while settings environ for '%s=%s'", parts[0], parts[1])
		}
	}
	return errors.Wrap(scanner.Err(), "while reading config file")
}
