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
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type ArticleSource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Article struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Content     string        `json:"content"`
	URL         string        `json:"url"`
	Image       string        `json:"image"`
	PublishedAt string        `json:"publishedAt"`
	Source      ArticleSource `json:"source"`
}

// ArticleList is the shape of every news listing, cached or not.
type ArticleList struct {
	TotalArticles int       `json:"totalArticles"`
	Articles      []Article `json:"articles"`
	Error         string    `json:"error,omitempty"`
}

type HeadlinesQuery struct {
	Category string
	Language string
	Country  string
	Query    string
	Max      int
}

type SearchQuery struct {
	Query    string
	Language string
	Country  string
	From     string
	To       string
	Max      int
}

type GNewsConfig struct {
	BaseURL string

	// Outbound request pacing shared by every credential. Zero disables it.
	RequestsPerSecond float64

	Timeout time.Duration
	Client  *http.Client
}

// GNewsOrigin calls the GNews API with a caller supplied credential and
// classifies failures for the fetcher.
type GNewsOrigin struct {
	conf    GNewsConfig
	client  *http.Client
	limiter *rate.Limiter
}

// Largest listing accepted from the API.
const maxListingBytes = 8 << 20

func NewGNewsOrigin(conf GNewsConfig) *GNewsOrigin {
	setter.SetDefault(&conf.BaseURL, "https://gnews.io/api/v4")
	setter.SetDefault(&conf.Timeout, 10*time.Second)
	setter.SetDefault(&conf.Client, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   conf.Timeout,
	})

	limiter := rate.NewLimiter(rate.Inf, 1)
	if conf.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), 1)
	}
	return &GNewsOrigin{conf: conf, client: conf.Client, limiter: limiter}
}

// TopHeadlines lists current headlines. Category "all" or empty means every topic.
func (g *GNewsOrigin) TopHeadlines(ctx context.Context, cred Credential, q HeadlinesQuery) (ArticleList, error) {
	v := url.Values{}
	v.Set("lang", q.Language)
	v.Set("country", q.Country)
	v.Set("max", strconv.Itoa(q.Max))
	if q.Category != "" && q.Category != "all" {
		v.Set("topic", q.Category)
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	return g.get(ctx, cred, "/top-headlines", v)
}

func (g *GNewsOrigin) Search(ctx context.Context, cred Credential, q SearchQuery) (ArticleList, error) {
	v := url.Values{}
	v.Set("q", q.Query)
	v.Set("lang", q.Language)
	v.Set("country", q.Country)
	v.Set("max", strconv.Itoa(q.Max))
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	return g.get(ctx, cred, "/search", v)
}

func (g *GNewsOrigin) get(ctx context.Context, cred Credential, path string, v url.Values) (ArticleList, error) {
	var list ArticleList
	if err := g.limiter.Wait(ctx); err != nil {
		return list, errors.Wrap(err, "while waiting for origin slot")
	}

	v.Set("token", cred.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.conf.BaseURL+path+"?"+v.Encode(), nil)
	if err != nil {
		return list, errors.Wrap(err, "while building request")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Never let the token leak through the URL in the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return list, &OriginError{Outcome: OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return list, &OriginError{Outcome: OutcomeTransient, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return list, NewStatusError(resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return list, &OriginError{Outcome: OutcomeTransient, Status: resp.StatusCode, Err: errors.Wrap(err, "while decoding listing")}
	}
	if list.Articles == nil {
		list.Articles = []Article{}
	}
	return list, nil
}
