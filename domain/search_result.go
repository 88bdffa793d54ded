package domain

import "strings"

// SearchResult is a single web search hit surfaced to both the model prompt
// and the client UI. Immutable once created. AiSummary carries the search
// backend's synthesized answer when present; summary-only results have no URL.
type SearchResult struct {
	Title     string `json:"title"`
	Url       string `json:"url,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
	AiSummary string `json:"aiSummary,omitempty"`
}

// Citable reports whether the result can be shown to the client as a
// clickable source.
func (r SearchResult) Citable() bool {
	return strings.HasPrefix(r.Url, "http://") || strings.HasPrefix(r.Url, "https://")
}
