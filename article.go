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
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/html"
)

// ArticleContent is the extracted body of one article.
type ArticleContent struct {
	Title          string `json:"title"`
	Content        string `json:"content"`
	URL            string `json:"url"`
	ExtractionTime string `json:"extraction_time,omitempty"`
	Error          string `json:"error,omitempty"`
}

type ArticleOriginConfig struct {
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// ArticleOrigin downloads an article and keeps its readable paragraphs.
type ArticleOrigin struct {
	conf   ArticleOriginConfig
	client *http.Client
}

const (
	maxArticleBytes = 4 << 20
	// Paragraphs shorter than this are navigation, captions or bylines.
	minParagraphLen = 40
	// Less than this much text means the extraction did not find the body.
	minArticleLen = 100
)

func NewArticleOrigin(conf ArticleOriginConfig) *ArticleOrigin {
	setter.SetDefault(&conf.Timeout, 10*time.Second)
	setter.SetDefault(&conf.UserAgent, "Mozilla/5.0 (compatible; herald/1.0)")
	setter.SetDefault(&conf.Client, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   conf.Timeout,
	})
	return &ArticleOrigin{conf: conf, client: conf.Client}
}

// Extract fetches rawURL and returns its title and body text. Pages that
// yield too little text return a placeholder body pointing at the original.
func (a *ArticleOrigin) Extract(ctx context.Context, rawURL string) (ArticleContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ArticleContent{}, errors.Wrap(ErrInvalidParams, err.Error())
	}
	req.Header.Set("User-Agent", a.conf.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := a.client.Do(req)
	if err != nil {
		return ArticleContent{}, &OriginError{Outcome: OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArticleBytes))
	if err != nil {
		return ArticleContent{}, &OriginError{Outcome: OutcomeTransient, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return ArticleContent{}, NewStatusError(resp.StatusCode, string(body))
	}

	var title, content string
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		title, content, err = extractJSON(body)
	} else {
		title, content, err = extractHTML(body)
	}
	if err != nil {
		return ArticleContent{}, &OriginError{Outcome: OutcomeTransient, Status: resp.StatusCode, Err: err}
	}

	result := ArticleContent{Title: title, URL: rawURL}
	if len(content) < minArticleLen {
		result.Content = "This article's content couldn't be extracted automatically. Please visit the original article at " + rawURL
		result.Error = "Content extraction failed"
		return result, nil
	}
	result.Content = content
	result.ExtractionTime = clock.Now().UTC().Format(time.RFC3339)
	return result, nil
}

type jsonArticle struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Article struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"article"`
}

func extractJSON(body []byte) (string, string, error) {
	var doc jsonArticle
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", "", errors.Wrap(err, "while decoding JSON article")
	}
	title := firstNonEmpty(doc.Title, doc.Article.Title, "Article Title")
	content := firstNonEmpty(doc.Content, doc.Article.Body)
	return title, strings.TrimSpace(content), nil
}

func extractHTML(body []byte) (string, string, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", "", errors.Wrap(err, "while parsing HTML")
	}

	var title string
	var paragraphs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if title == "" {
					title = strings.TrimSpace(textOf(n))
				}
				return
			case "p":
				if p := strings.Join(strings.Fields(textOf(n)), " "); len(p) > minParagraphLen {
					paragraphs = append(paragraphs, p)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return firstNonEmpty(title, "Unknown Title"), strings.Join(paragraphs, "\n\n"), nil
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
