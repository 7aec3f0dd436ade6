// Package assistant is the service facade: it ties the document processor,
// vector index, retriever and grounding constructor into the upload, ask and
// management operations the server and CLI expose.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/grounding"
	"github.com/manabu-ai/manabu/internal/index"
	"github.com/manabu-ai/manabu/internal/llm"
	"github.com/manabu-ai/manabu/internal/models"
	"github.com/manabu-ai/manabu/internal/processor"
	"github.com/manabu-ai/manabu/internal/retriever"
	"github.com/manabu-ai/manabu/pkg/utils"
)

// ErrEmptyQuestion is returned by Ask for a blank question.
var ErrEmptyQuestion = errors.New("question is empty")

// Assistant coordinates the upload and question-answering pipelines.
type Assistant struct {
	processor *processor.Processor
	index     *index.Index
	retriever *retriever.Retriever
	grounding *grounding.Constructor
	logger    *zap.Logger
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assistant) { a.logger = l }
}

// New wires the pipeline components into an Assistant.
func New(proc *processor.Processor, idx *index.Index, retr *retriever.Retriever, ground *grounding.Constructor, opts ...Option) *Assistant {
	a := &Assistant{
		processor: proc,
		index:     idx,
		retriever: retr,
		grounding: ground,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UploadResult reports one successfully indexed document.
type UploadResult struct {
	SourceFile string `json:"source_file"`
	CourseID   string `json:"course_id"`
	ChunkCount int    `json:"chunk_count"`
}

// Upload chunks, embeds and indexes one document. The course id is sanitized
// before use; an empty or unparseable doc type falls back to misc.
func (a *Assistant) Upload(ctx context.Context, content []byte, filename, courseID, docType string) (*UploadResult, error) {
	course := utils.SanitizeCourseID(courseID)
	dt, err := models.ParseDocType(docType)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}

	chunks, err := a.processor.Process(content, filename, course, dt)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", filename, err)
	}
	if err := a.index.Upsert(ctx, chunks); err != nil {
		return nil, fmt.Errorf("index %s: %w", filename, err)
	}

	if a.logger != nil {
		a.logger.Info("document uploaded",
			zap.String("file", filename),
			zap.String("course", course),
			zap.Int("chunks", len(chunks)))
	}
	return &UploadResult{
		SourceFile: chunks[0].SourceFile,
		CourseID:   course,
		ChunkCount: len(chunks),
	}, nil
}

// File is one input to a multi-file upload.
type File struct {
	Content  []byte
	Filename string
	CourseID string
	DocType  string
}

// FileResult is the per-file outcome of a multi-file upload.
type FileResult struct {
	Filename string
	Result   *UploadResult
	Err      error
}

// UploadAll indexes each file independently: one file's failure never aborts
// the others. Results are returned in input order.
func (a *Assistant) UploadAll(ctx context.Context, files []File) []FileResult {
	results := make([]FileResult, len(files))
	for i, f := range files {
		res, err := a.Upload(ctx, f.Content, f.Filename, f.CourseID, f.DocType)
		results[i] = FileResult{Filename: f.Filename, Result: res, Err: err}
		if err != nil && a.logger != nil {
			a.logger.Warn("upload failed", zap.String("file", f.Filename), zap.Error(err))
		}
	}
	return results
}

// Ask retrieves within the requested scope and generates a grounded answer.
// scope is a course id, MISC, or AUTO (empty means AUTO). history is the
// caller-maintained conversation so far.
func (a *Assistant) Ask(ctx context.Context, question, scope string, history []llm.Message) (*models.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	scope = normalizeScope(scope)

	results, resolved, err := a.retriever.Retrieve(ctx, question, scope)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	answer, err := a.grounding.Answer(ctx, question, history, results, resolved)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	return answer, nil
}

// AskStream is Ask with incremental delivery: each fragment of the generated
// answer is passed to onDelta as the model produces it. The returned Answer
// carries the complete text plus citations once generation finishes.
func (a *Assistant) AskStream(ctx context.Context, question, scope string, history []llm.Message, onDelta func(string)) (*models.Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	scope = normalizeScope(scope)

	results, resolved, err := a.retriever.Retrieve(ctx, question, scope)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	answer, err := a.grounding.AnswerStream(ctx, question, history, results, resolved, onDelta)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	return answer, nil
}

// RelevanceReport says whether the index holds anything relevant to a question.
type RelevanceReport struct {
	Relevant         bool    `json:"relevant"`
	TopScore         float64 `json:"top_score"`
	Matches          int     `json:"matches"`
	ResolvedCourseID string  `json:"resolved_course_id"`
}

// CheckRelevance runs the retrieval phase only, without calling the language
// model. Useful for probing what a question would be answered from.
func (a *Assistant) CheckRelevance(ctx context.Context, question, scope string) (*RelevanceReport, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	results, resolved, err := a.retriever.Retrieve(ctx, question, normalizeScope(scope))
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	report := &RelevanceReport{
		Relevant:         len(results) > 0,
		Matches:          len(results),
		ResolvedCourseID: resolved,
	}
	if len(results) > 0 {
		report.TopScore = results[0].Score
	}
	return report, nil
}

// ListDocuments lists indexed documents, optionally restricted to one course.
// An empty courseID lists everything.
func (a *Assistant) ListDocuments(ctx context.Context, courseID string) ([]*models.DocumentInfo, error) {
	if courseID != "" {
		courseID = utils.SanitizeCourseID(courseID)
	}
	return a.index.ListDocuments(ctx, courseID)
}

// DeleteDocument removes every chunk of the given document.
func (a *Assistant) DeleteDocument(ctx context.Context, courseID, sourceFile string) error {
	if strings.TrimSpace(sourceFile) == "" {
		return errors.New("source file is empty")
	}
	course := utils.SanitizeCourseID(courseID)
	if err := a.index.Delete(ctx, course, sourceFile); err != nil {
		return fmt.Errorf("delete %s/%s: %w", course, sourceFile, err)
	}
	if a.logger != nil {
		a.logger.Info("document deleted",
			zap.String("course", course),
			zap.String("file", sourceFile))
	}
	return nil
}

// Courses returns the distinct course ids present in the index, sorted.
func (a *Assistant) Courses(ctx context.Context) ([]string, error) {
	return a.index.Courses(ctx)
}

// Stats summarizes index contents.
func (a *Assistant) Stats(ctx context.Context) (*models.IndexStats, error) {
	return a.index.Stats(ctx)
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" || strings.EqualFold(scope, models.AutoScope) {
		return models.AutoScope
	}
	return utils.SanitizeCourseID(scope)
}
