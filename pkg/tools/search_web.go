package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/httpclient"
)

const duckDuckGoBaseURL = "https://api.duckduckgo.com"

// WebSearcher answers web queries.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]WebResult, error)
}

// WebResult is one search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

var searchWebSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "The web search query.",
		},
		"maxResults": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 10,
		},
	},
	"required":             []any{"query"},
	"additionalProperties": false,
}

type searchWebPayload struct {
	Query   string      `json:"query"`
	Results []WebResult `json:"results"`
}

// NewSearchWebTool builds the web search tool over a searcher.
func NewSearchWebTool(searcher WebSearcher) *Tool {
	return &Tool{
		Name:        "search_web",
		Description: "Search the web for current information.",
		Schema:      searchWebSchema,
		Handler: func(ctx context.Context, args map[string]any, tc Context) (*Result, error) {
			query, _ := args["query"].(string)
			maxResults := 5
			if m, ok := args["maxResults"].(float64); ok && m > 0 {
				maxResults = int(m)
			}

			results, err := searcher.Search(ctx, query, maxResults)
			if err != nil {
				return nil, err
			}
			if results == nil {
				results = []WebResult{}
			}
			return &Result{Payload: searchWebPayload{Query: query, Results: results}}, nil
		},
	}
}

// DuckDuckGoSearcher queries the DuckDuckGo instant answer API, which needs
// no credential.
type DuckDuckGoSearcher struct {
	baseURL string
	http    *httpclient.Client
}

// NewDuckDuckGoSearcher builds the default web searcher. An empty baseURL
// uses the public endpoint.
func NewDuckDuckGoSearcher(baseURL string) *DuckDuckGoSearcher {
	if baseURL == "" {
		baseURL = duckDuckGoBaseURL
	}
	return &DuckDuckGoSearcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpclient.New(httpclient.WithTimeout(15 * time.Second)),
	}
}

type duckDuckGoTopic struct {
	Text     string            `json:"Text"`
	FirstURL string            `json:"FirstURL"`
	Topics   []duckDuckGoTopic `json:"Topics,omitempty"`
}

func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1&skip_disambig=1",
		s.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.http.Do(req)
	if resp == nil {
		return nil, errs.Network("duckduckgo", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Provider("duckduckgo", resp.StatusCode, "search request failed")
	}
	if readErr != nil {
		return nil, errs.Network("duckduckgo", readErr)
	}

	var out struct {
		AbstractText  string            `json:"AbstractText"`
		AbstractURL   string            `json:"AbstractURL"`
		Heading       string            `json:"Heading"`
		RelatedTopics []duckDuckGoTopic `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("duckduckgo", resp.StatusCode, "malformed search response")
	}

	var results []WebResult
	if out.AbstractText != "" {
		results = append(results, WebResult{
			Title:   out.Heading,
			URL:     out.AbstractURL,
			Snippet: out.AbstractText,
		})
	}
	results = appendTopics(results, out.RelatedTopics, maxResults)
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// appendTopics flattens the topic tree. Category nodes nest their entries
// one level down.
func appendTopics(results []WebResult, topics []duckDuckGoTopic, maxResults int) []WebResult {
	for _, t := range topics {
		if len(results) >= maxResults {
			break
		}
		if len(t.Topics) > 0 {
			results = appendTopics(results, t.Topics, maxResults)
			continue
		}
		if t.Text == "" || t.FirstURL == "" {
			continue
		}
		results = append(results, WebResult{
			Title:   topicTitle(t.Text),
			URL:     t.FirstURL,
			Snippet: t.Text,
		})
	}
	return results
}

// topicTitle takes the leading clause of a topic text as its title.
func topicTitle(text string) string {
	if i := strings.Index(text, " - "); i > 0 {
		return text[:i]
	}
	return text
}
