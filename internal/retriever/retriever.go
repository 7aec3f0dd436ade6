// Package retriever resolves the course scope for a question and turns the
// raw index query into a thresholded, capped, deterministically ordered
// result set.
package retriever

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/config"
	"github.com/manabu-ai/manabu/internal/models"
)

// Querier is the slice of the vector index the retriever needs.
type Querier interface {
	Query(ctx context.Context, queryText string, filters models.Filters, topK int) ([]*models.ScoredChunk, error)
}

// Retriever runs scoped similarity retrieval with a similarity floor.
type Retriever struct {
	index     Querier
	topK      int
	threshold float64
	logger    *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// New creates a Retriever over the given index.
func New(index Querier, cfg *config.RetrievalConfig, opts ...Option) *Retriever {
	r := &Retriever{
		index:     index,
		topK:      cfg.TopK,
		threshold: cfg.Threshold(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve answers the question's retrieval phase: it resolves the requested
// scope (a concrete course id, MISC, or AUTO), queries the index within that
// scope, drops results below the similarity threshold and caps the remainder
// at the configured top-k. The resolved course id is returned alongside the
// results; in AUTO mode with no course clearing the threshold, the resolved
// id is empty and the result set is empty.
func (r *Retriever) Retrieve(ctx context.Context, question, scope string) ([]*models.ScoredChunk, string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, "", fmt.Errorf("empty question")
	}

	courseID := scope
	if scope == models.AutoScope || scope == "" {
		resolved, err := r.ResolveScope(ctx, question)
		if err != nil {
			return nil, "", fmt.Errorf("resolve scope: %w", err)
		}
		if resolved == "" {
			if r.logger != nil {
				r.logger.Debug("no course cleared the similarity threshold",
					zap.String("question", question))
			}
			return nil, "", nil
		}
		courseID = resolved
	}

	results, err := r.index.Query(ctx, question, models.Filters{CourseID: courseID}, r.topK)
	if err != nil {
		return nil, "", fmt.Errorf("query index: %w", err)
	}
	kept := r.filter(results)

	if r.logger != nil {
		r.logger.Debug("retrieval complete",
			zap.String("course", courseID),
			zap.Int("candidates", len(results)),
			zap.Int("kept", len(kept)))
	}
	return kept, courseID, nil
}

// ResolveScope classifies a question onto a course without an explicit scope.
// It runs an unfiltered query across all courses, keeps the matches that clear
// the similarity threshold and picks the course with the most of them; vote
// ties go to the course holding the single best score. An empty return means
// no course is relevant to the question.
func (r *Retriever) ResolveScope(ctx context.Context, question string) (string, error) {
	candidates, err := r.index.Query(ctx, question, models.Filters{}, r.topK)
	if err != nil {
		return "", err
	}

	votes := make(map[string]int)
	best := make(map[string]float64)
	for _, c := range candidates {
		if c.Score < r.threshold {
			continue
		}
		course := c.Chunk.CourseID
		votes[course]++
		if c.Score > best[course] {
			best[course] = c.Score
		}
	}
	if len(votes) == 0 {
		return "", nil
	}

	winner := ""
	for course, n := range votes {
		if winner == "" {
			winner = course
			continue
		}
		switch {
		case n > votes[winner]:
			winner = course
		case n == votes[winner] && best[course] > best[winner]:
			winner = course
		case n == votes[winner] && best[course] == best[winner] && course < winner:
			// Lexicographic last resort keeps resolution deterministic.
			winner = course
		}
	}
	return winner, nil
}

// filter applies the similarity floor, deduplicates by chunk id and caps the
// result at top-k. Input order (descending score) is preserved.
func (r *Retriever) filter(results []*models.ScoredChunk) []*models.ScoredChunk {
	seen := make(map[string]struct{}, len(results))
	kept := make([]*models.ScoredChunk, 0, len(results))
	for _, res := range results {
		if res.Score < r.threshold {
			continue
		}
		if _, dup := seen[res.Chunk.ID]; dup {
			continue
		}
		seen[res.Chunk.ID] = struct{}{}
		kept = append(kept, res)
		if len(kept) == r.topK {
			break
		}
	}
	return kept
}
