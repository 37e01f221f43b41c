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
	"strconv"
	"strings"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	articlesUnavailable = "Unable to load articles at the moment."
	maxListingSize      = 100
)

type NewsServiceConfig struct {
	Fetcher  *ResilientFetcher
	Cache    *ContentCache
	GNews    *GNewsOrigin
	Articles *ArticleOrigin

	DefaultLanguage string
	DefaultCountry  string
	DefaultMax      int

	// Words kept by VoiceOptimize.
	VoiceWordLimit int

	Logger logrus.FieldLogger
}

// NewsService answers listing and article requests from the cache, the
// origin or a fallback payload, in that order.
type NewsService struct {
	conf NewsServiceConfig
	log  logrus.FieldLogger
}

func NewNewsService(conf NewsServiceConfig) (*NewsService, error) {
	if conf.Fetcher == nil || conf.Cache == nil || conf.GNews == nil || conf.Articles == nil {
		return nil, errors.New("NewsServiceConfig requires Fetcher, Cache, GNews and Articles")
	}
	setter.SetDefault(&conf.DefaultLanguage, "en")
	setter.SetDefault(&conf.DefaultCountry, "us")
	setter.SetDefault(&conf.DefaultMax, 10)
	setter.SetDefault(&conf.VoiceWordLimit, 40_000)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "news"))
	return &NewsService{conf: conf, log: conf.Logger}, nil
}

func listingFallback() ArticleList {
	return ArticleList{Articles: []Article{}, Error: articlesUnavailable}
}

func (n *NewsService) normalize(lang, country *string, max *int) {
	setter.SetDefault(lang, n.conf.DefaultLanguage)
	setter.SetDefault(country, n.conf.DefaultCountry)
	setter.SetDefault(max, n.conf.DefaultMax)
	*lang = strings.ToLower(strings.TrimSpace(*lang))
	*country = strings.ToLower(strings.TrimSpace(*country))
	if *max > maxListingSize {
		*max = maxListingSize
	}
}

// Headlines returns the top headlines for the query. Failures yield an empty
// listing carrying an error message, never an error.
func (n *NewsService) Headlines(ctx context.Context, q HeadlinesQuery) (ArticleList, FetchResult) {
	n.normalize(&q.Language, &q.Country, &q.Max)
	setter.SetDefault(&q.Category, "general")
	q.Category = strings.ToLower(strings.TrimSpace(q.Category))
	q.Query = strings.ToLower(strings.TrimSpace(q.Query))

	return Fetch(ctx, n.conf.Fetcher, FetchRequest[ArticleList]{
		Kind:     KindHeadlines,
		Params:   Params{q.Category, q.Language, q.Country, strconv.Itoa(q.Max), q.Query},
		Fallback: listingFallback(),
	}, func(ctx context.Context, cred Credential) (ArticleList, error) {
		return n.conf.GNews.TopHeadlines(ctx, cred, q)
	})
}

// Search runs a keyword search. An empty query is the caller's mistake.
func (n *NewsService) Search(ctx context.Context, q SearchQuery) (ArticleList, FetchResult, error) {
	q.Query = strings.ToLower(strings.TrimSpace(q.Query))
	if q.Query == "" {
		return ArticleList{}, FetchResult{}, errors.Wrap(ErrInvalidParams, "search query is required")
	}
	n.normalize(&q.Language, &q.Country, &q.Max)

	list, res := Fetch(ctx, n.conf.Fetcher, FetchRequest[ArticleList]{
		Kind:     KindSearch,
		Params:   Params{q.Query, q.Language, q.Country, strconv.Itoa(q.Max), q.From, q.To},
		Fallback: listingFallback(),
	}, func(ctx context.Context, cred Credential) (ArticleList, error) {
		return n.conf.GNews.Search(ctx, cred, q)
	})
	return list, res, nil
}

// Article returns the extracted content of rawURL. Extraction failures
// yield a placeholder that is not cached.
func (n *NewsService) Article(ctx context.Context, rawURL string) (ArticleContent, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ArticleContent{}, errors.Wrap(ErrInvalidParams, "article url is required")
	}

	content, err := Memoize(ctx, n.conf.Cache, KindArticle, Params{rawURL},
		func(ctx context.Context) (ArticleContent, error) {
			c, err := n.conf.Articles.Extract(ctx, rawURL)
			if err != nil {
				return c, err
			}
			// Placeholders are not worth caching.
			if c.Error != "" {
				return c, errPlaceholder
			}
			return c, nil
		})
	switch {
	case err == nil:
		return content, nil
	case errors.Is(err, ErrInvalidParams):
		return ArticleContent{}, err
	case errors.Is(err, errPlaceholder):
		return content, nil
	}

	n.log.WithError(err).WithField("url", rawURL).Warn("article extraction failed")
	return ArticleContent{
		Title:   "Content Extraction Failed",
		Content: "Unable to extract content from this article.",
		URL:     rawURL,
		Error:   "Content extraction failed. Please try again.",
	}, nil
}

// VoiceOptimize returns content rewritten for narration. Results are cached
// by content so repeated narration of one article skips the rewrite.
func (n *NewsService) VoiceOptimize(ctx context.Context, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", errors.Wrap(ErrInvalidParams, "no content provided")
	}
	return Memoize(ctx, n.conf.Cache, KindOptimized, Params{content, strconv.Itoa(n.conf.VoiceWordLimit)},
		func(context.Context) (string, error) {
			return OptimizeForVoice(content, n.conf.VoiceWordLimit), nil
		})
}

var errPlaceholder = errors.New("placeholder content")
