package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streamchat/domain"

	zlog "github.com/rs/zerolog/log"
)

// ShouldSearch is the trigger predicate for search augmentation: any
// non-blank user message triggers a search.
func ShouldSearch(userMessage string) bool {
	return strings.TrimSpace(userMessage) != ""
}

// Augmentation is the outcome of one augmentation step. A zero Augmentation
// means "no search ran"; the chat turn proceeds without context either way.
type Augmentation struct {
	// Context is the prompt-ready rendering of the results; empty when no
	// search ran or it failed.
	Context string
	// Results holds every hit, including the summary-only pseudo result.
	Results []domain.SearchResult
	// CitableResults is the subset safe to show the client as sources.
	CitableResults []domain.SearchResult
}

// Augmenter composes the search backend into the chat pipeline: it runs to
// completion (or times out) before the model stream begins, and any failure
// degrades to an empty augmentation rather than failing the turn.
type Augmenter struct {
	searcher Searcher
	timeout  time.Duration
}

func NewAugmenter(searcher Searcher, timeout time.Duration) *Augmenter {
	return &Augmenter{searcher: searcher, timeout: timeout}
}

// Augment performs the bounded search-augmentation step. It never returns an
// error: augmentation failures are logged server-side and yield an empty
// result.
func (a *Augmenter) Augment(ctx context.Context, userMessage string, enabled bool) Augmentation {
	if !enabled || !ShouldSearch(userMessage) {
		return Augmentation{}
	}
	if !a.searcher.Available() {
		zlog.Debug().Msg("search backend unavailable, skipping augmentation")
		return Augmentation{}
	}

	searchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results, err := a.searcher.Search(searchCtx, userMessage)
	if err != nil {
		zlog.Warn().Err(err).Msg("search augmentation failed, continuing without context")
		return Augmentation{}
	}
	if len(results) == 0 {
		return Augmentation{}
	}

	citable := make([]domain.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Citable() {
			citable = append(citable, r)
		}
	}

	return Augmentation{
		Context:        FormatContext(results),
		Results:        results,
		CitableResults: citable,
	}
}

// FormatContext renders search results into the numbered prompt context
// format the models are prompted with.
func FormatContext(results []domain.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("搜索结果:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		snippet := r.Snippet
		if snippet == "" {
			snippet = r.AiSummary
		}
		if snippet != "" {
			sb.WriteString(snippet)
			sb.WriteString("\n")
		}
		if r.Url != "" {
			sb.WriteString(r.Url)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
