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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	endpoint string
	token    string
	timeout  time.Duration

	rootCmd = &cobra.Command{
		Use:          "herald-cli",
		Short:        "Inspect and administer a running herald daemon",
		SilenceUsage: true,
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect or flush the content cache",
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print store backend, size and hit rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/v1/admin/cache", nil, nil)
		},
	}

	flushKind    string
	flushPattern string

	cacheFlushCmd = &cobra.Command{
		Use:     "flush",
		Short:   "Delete cached entries by kind or key pattern, or all of them",
		Example: "herald-cli cache flush --kind news:headlines\nherald-cli cache flush --pattern 'tts:audio:*'",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if flushKind != "" {
				q.Set("kind", flushKind)
			}
			if flushPattern != "" {
				q.Set("pattern", flushPattern)
			}
			return call(http.MethodDelete, "/v1/admin/cache", q, nil)
		},
	}

	credentialsCmd = &cobra.Command{
		Use:   "credentials",
		Short: "Print the API key pool with cooldowns and hourly usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/v1/admin/credentials", nil, nil)
		},
	}

	headlinesCategory string

	headlinesCmd = &cobra.Command{
		Use:   "headlines",
		Short: "Fetch top headlines through the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("category", headlinesCategory)
			return call(http.MethodGet, "/v1/news/headlines", q, nil)
		},
	}

	ttsVoice string
	ttsSpeed float64
	ttsDepth float64

	ttsCmd = &cobra.Command{
		Use:   "tts TEXT",
		Short: "Render TEXT to speech and print the audio reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/v1/tts", nil, map[string]interface{}{
				"text":     args[0],
				"voice_id": ttsVoice,
				"speed":    ttsSpeed,
				"depth":    ttsDepth,
			})
		},
	}
)

func init() {
	defaultEndpoint := os.Getenv("HERALD_HTTP_ADDRESS")
	if defaultEndpoint == "" {
		defaultEndpoint = "localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", defaultEndpoint, "herald HTTP address")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("HERALD_ADMIN_TOKEN"), "admin bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")

	cacheFlushCmd.Flags().StringVar(&flushKind, "kind", "", "cache kind such as news:headlines")
	cacheFlushCmd.Flags().StringVar(&flushPattern, "pattern", "", "raw key pattern such as 'news:*'")
	cacheFlushCmd.MarkFlagsMutuallyExclusive("kind", "pattern")
	cacheCmd.AddCommand(cacheStatsCmd, cacheFlushCmd)

	headlinesCmd.Flags().StringVar(&headlinesCategory, "category", "general", "news topic")

	ttsCmd.Flags().StringVar(&ttsVoice, "voice", "default", "voice id")
	ttsCmd.Flags().Float64Var(&ttsSpeed, "speed", 1.0, "playback speed between 0.5 and 2.0")
	ttsCmd.Flags().Float64Var(&ttsDepth, "depth", 0, "voice depth between 0 and 3")

	rootCmd.AddCommand(cacheCmd, credentialsCmd, headlinesCmd, ttsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// call sends one request and pretty prints the JSON reply.
func call(method, path string, q url.Values, body interface{}) error {
	u := url.URL{Scheme: "http", Host: endpoint, Path: path, RawQuery: q.Encode()}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u.String(), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "while calling %s", u.String())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "while reading response")
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		out.Reset()
		out.Write(b)
	}
	fmt.Println(out.String())

	if resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
