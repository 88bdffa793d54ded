package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"streamchat/common"
	"streamchat/domain"

	zlog "github.com/rs/zerolog/log"
)

const defaultTavilyBaseURL = "https://api.tavily.com/search"
const defaultMaxResults = 5

// Searcher is the boundary with the external web search backend.
type Searcher interface {
	Search(ctx context.Context, query string) ([]domain.SearchResult, error)
	Available() bool
}

// TavilyClient queries the Tavily search API.
type TavilyClient struct {
	Config     common.SearchConfig
	HTTPClient *http.Client
}

var _ Searcher = (*TavilyClient)(nil)

func NewTavilyClient(config common.SearchConfig) *TavilyClient {
	return &TavilyClient{
		Config:     config,
		HTTPClient: &http.Client{Timeout: config.Tavily.Timeout()},
	}
}

func (c *TavilyClient) Available() bool {
	return c.Config.Enabled && c.Config.Tavily.APIKey() != ""
}

type tavilyRequest struct {
	ApiKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
	MaxResults        int    `json:"max_results"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Query   string `json:"query"`
	Results []struct {
		Title   string  `json:"title"`
		Url     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (c *TavilyClient) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	if !c.Available() {
		return nil, fmt.Errorf("search backend is not available")
	}

	maxResults := c.Config.Tavily.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	payload, err := json.Marshal(tavilyRequest{
		ApiKey:            c.Config.Tavily.APIKey(),
		Query:             query,
		SearchDepth:       "basic",
		IncludeAnswer:     true,
		IncludeRawContent: false,
		MaxResults:        maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	baseURL := c.Config.Tavily.BaseURL
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search backend returned status %d: %s", resp.StatusCode, string(errBody))
	}

	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var results []domain.SearchResult

	// The synthesized answer leads, but without a URL: it is not a
	// clickable source.
	if parsed.Answer != "" {
		results = append(results, domain.SearchResult{
			Title:     "AI 摘要",
			AiSummary: parsed.Answer,
		})
	}

	for _, item := range parsed.Results {
		results = append(results, domain.SearchResult{
			Title:   item.Title,
			Url:     item.Url,
			Snippet: item.Content,
		})
	}

	zlog.Debug().Str("query", query).Int("results", len(results)).Msg("search completed")
	return results, nil
}
