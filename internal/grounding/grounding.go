// Package grounding builds context-grounded answers: it bundles retrieved
// chunks into a model prompt that mandates citations, and cross-checks the
// model's citations against the bundle so ungrounded claims are flagged
// instead of silently passed through.
package grounding

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/llm"
	"github.com/manabu-ai/manabu/internal/models"
)

// NoInfoAnswer is the fixed response when retrieval returns nothing.
// It is emitted without calling the model.
const NoInfoAnswer = "I could not find any information about that in the uploaded documents for this course."

// FailureAnswer replaces the answer text when the model call fails after
// retry. Evidence is still returned so the caller can show what was searched.
const FailureAnswer = "The language model could not be reached, so no answer was generated. The retrieved document excerpts are included as evidence."

const systemPrompt = `You are a course assistant. Answer the question using ONLY the provided context documents.

Rules:
1. Use only information from the context below. Never use outside knowledge.
2. Cite the source of every factual sentence using the exact form [Source: filename, Page X]. For sources without a page number use [Source: filename].
3. If the context does not contain the requested information, say so explicitly instead of guessing.

Context documents:

%s`

// Constructor produces grounded answers from retrieval results.
type Constructor struct {
	model      llm.ChatModel
	maxHistory int
	logger     *zap.Logger
}

// Option configures a Constructor.
type Option func(*Constructor)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Constructor) { c.logger = l }
}

// New creates a Constructor. maxHistory bounds how many prior conversation
// turns are forwarded to the model; zero or negative drops all history.
func New(model llm.ChatModel, maxHistory int, opts ...Option) *Constructor {
	c := &Constructor{model: model, maxHistory: maxHistory}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Answer generates a grounded answer for the question from the retrieval
// results. An empty result set short-circuits to the fixed no-information
// response. On model failure the answer degrades: evidence is kept and the
// answer text is replaced with a failure notice.
func (c *Constructor) Answer(ctx context.Context, question string, history []llm.Message, results []*models.ScoredChunk, resolvedCourseID string) (*models.Answer, error) {
	answer := &models.Answer{
		Citations:        []models.Citation{},
		Evidence:         make([]string, 0, len(results)),
		ResolvedCourseID: resolvedCourseID,
	}
	for _, r := range results {
		answer.Evidence = append(answer.Evidence, r.Chunk.Text)
	}

	if len(results) == 0 {
		answer.Text = NoInfoAnswer
		return answer, nil
	}

	messages := c.buildMessages(question, history, results)
	reply, err := c.model.Chat(ctx, messages)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("model call failed, returning degraded answer", zap.Error(err))
		}
		answer.Text = FailureAnswer
		answer.Warnings = append(answer.Warnings, fmt.Sprintf("model call failed: %v", err))
		return answer, nil
	}

	answer.Text = strings.TrimSpace(reply)
	answer.Citations, answer.Warnings = c.checkCitations(answer.Text, results)
	return answer, nil
}

// AnswerStream behaves like Answer but forwards the model's reply to onDelta
// fragment by fragment as it is generated. Citations and warnings are checked
// once the reply is complete. A model that does not implement
// llm.StreamingChatModel delivers the whole reply as a single fragment.
func (c *Constructor) AnswerStream(ctx context.Context, question string, history []llm.Message, results []*models.ScoredChunk, resolvedCourseID string, onDelta func(string)) (*models.Answer, error) {
	answer := &models.Answer{
		Citations:        []models.Citation{},
		Evidence:         make([]string, 0, len(results)),
		ResolvedCourseID: resolvedCourseID,
	}
	for _, r := range results {
		answer.Evidence = append(answer.Evidence, r.Chunk.Text)
	}

	if len(results) == 0 {
		answer.Text = NoInfoAnswer
		if onDelta != nil {
			onDelta(NoInfoAnswer)
		}
		return answer, nil
	}

	messages := c.buildMessages(question, history, results)
	var reply string
	var err error
	if sm, ok := c.model.(llm.StreamingChatModel); ok {
		reply, err = sm.ChatStream(ctx, messages, onDelta)
	} else {
		reply, err = c.model.Chat(ctx, messages)
		if err == nil && onDelta != nil {
			onDelta(reply)
		}
	}
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("model call failed, returning degraded answer", zap.Error(err))
		}
		answer.Text = FailureAnswer
		answer.Warnings = append(answer.Warnings, fmt.Sprintf("model call failed: %v", err))
		return answer, nil
	}

	answer.Text = strings.TrimSpace(reply)
	answer.Citations, answer.Warnings = c.checkCitations(answer.Text, results)
	return answer, nil
}

// buildMessages assembles system prompt, windowed history, and the question.
func (c *Constructor) buildMessages(question string, history []llm.Message, results []*models.ScoredChunk) []llm.Message {
	bundle := BuildContext(results)

	if c.maxHistory > 0 && len(history) > c.maxHistory {
		history = history[len(history)-c.maxHistory:]
	} else if c.maxHistory <= 0 {
		history = nil
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf(systemPrompt, bundle),
	})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return messages
}

// BuildContext formats the retrieved chunks into the context bundle sent to
// the model. Each chunk is headed with its citation label so the model can
// copy it verbatim.
func BuildContext(results []*models.ScoredChunk) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- Document %d [%s] ---\n%s", i+1, citationLabel(r.Chunk), r.Chunk.Text)
	}
	return b.String()
}

func citationLabel(ch *models.Chunk) string {
	if ch.PageNumber > 0 {
		return fmt.Sprintf("Source: %s, Page %d", ch.SourceFile, ch.PageNumber)
	}
	return fmt.Sprintf("Source: %s", ch.SourceFile)
}

// checkCitations extracts the citations the model emitted and verifies each
// against the supplied chunks. A citation naming a file (or file/page pair)
// absent from the bundle is a grounding violation, reported as a warning.
func (c *Constructor) checkCitations(text string, results []*models.ScoredChunk) ([]models.Citation, []string) {
	known := make(map[models.Citation]bool, len(results))
	knownFiles := make(map[string]bool, len(results))
	for _, r := range results {
		known[models.Citation{SourceFile: r.Chunk.SourceFile, PageNumber: r.Chunk.PageNumber}] = true
		knownFiles[r.Chunk.SourceFile] = true
	}

	var citations []models.Citation
	var warnings []string
	seen := make(map[models.Citation]bool)
	for _, cit := range ExtractCitations(text) {
		if seen[cit] {
			continue
		}
		seen[cit] = true
		switch {
		case !knownFiles[cit.SourceFile]:
			warnings = append(warnings,
				fmt.Sprintf("answer cites %q, which was not in the supplied context", cit.SourceFile))
		case cit.PageNumber > 0 && !known[cit]:
			warnings = append(warnings,
				fmt.Sprintf("answer cites %q page %d, which was not in the supplied context", cit.SourceFile, cit.PageNumber))
		default:
			citations = append(citations, cit)
		}
	}
	if citations == nil {
		citations = []models.Citation{}
	}
	return citations, warnings
}
