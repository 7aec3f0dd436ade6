// Package processor loads uploaded documents and splits them into
// metadata-tagged chunks ready for indexing.
package processor

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/config"
	"github.com/manabu-ai/manabu/internal/models"
)

// Processor turns raw uploads into unpersisted chunks with provenance metadata.
type Processor struct {
	splitter *Splitter
	minChunk int
	logger   *zap.Logger // optional; when set, logs debug events
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New creates a processor with the given chunking settings.
func New(cfg *config.ChunkingConfig, opts ...Option) *Processor {
	p := &Processor{
		splitter: NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		minChunk: cfg.MinChunkSize,
	}
	if p.minChunk <= 0 {
		p.minChunk = 1
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process splits a raw document into chunks based on its filename extension.
// courseID must already be sanitized. Returns ErrUnsupportedFileType for
// unrecognized extensions and ErrEmptyDocument when no chunkable text remains.
func (p *Processor) Process(content []byte, filename, courseID string, docType models.DocType) ([]*models.Chunk, error) {
	base := doc{
		uploadID:   uuid.New().String()[:8],
		courseID:   courseID,
		docType:    docType,
		sourceFile: filepath.Base(filename),
		uploadedAt: time.Now().UTC(),
	}

	var chunks []*models.Chunk
	var err error
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".pdf":
		base.fileType = models.FileTypePDF
		chunks, err = p.processPDF(content, base)
	case ".txt", ".text":
		base.fileType = models.FileTypeTXT
		chunks, err = p.processText(content, base)
	default:
		return nil, fmt.Errorf("%w: %q (supported: .pdf, .txt)", ErrUnsupportedFileType, ext)
	}
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, base.sourceFile)
	}
	if p.logger != nil {
		p.logger.Debug("document processed",
			zap.String("source_file", base.sourceFile),
			zap.String("course_id", courseID),
			zap.Int("chunks", len(chunks)),
		)
	}
	return chunks, nil
}

// doc carries per-upload metadata shared by every chunk of one file.
type doc struct {
	uploadID   string
	courseID   string
	docType    models.DocType
	sourceFile string
	fileType   models.FileType
	uploadedAt time.Time
}

// processPDF extracts text page by page. Page boundaries are hard split points
// so page_number citations stay exact; pages with no text are skipped.
func (p *Processor) processPDF(content []byte, base doc) ([]*models.Chunk, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF %s: %w", base.sourceFile, err)
	}
	var chunks []*models.Chunk
	numPages := r.NumPage()
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d of %s: %w", pageNum, base.sourceFile, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, p.chunkText(text, pageNum, base)...)
	}
	return chunks, nil
}

// processText decodes content as UTF-8 and chunks it as a single unpaginated unit.
func (p *Processor) processText(content []byte, base doc) ([]*models.Chunk, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrEncoding, base.sourceFile)
	}
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, base.sourceFile)
	}
	return p.chunkText(text, 0, base), nil
}

// chunkText splits one page (or a whole unpaginated document when pageNum is 0)
// and attaches metadata. Chunk ids are <uploadID>_<page>_<index>, unique across
// pages of the same upload and across uploads.
func (p *Processor) chunkText(text string, pageNum int, base doc) []*models.Chunk {
	var chunks []*models.Chunk
	for i, piece := range p.splitter.Split(text) {
		if utf8.RuneCountInString(strings.TrimSpace(piece.Text)) < p.minChunk {
			continue
		}
		chunks = append(chunks, &models.Chunk{
			ID:         fmt.Sprintf("%s_%d_%d", base.uploadID, pageNum, i),
			Text:       piece.Text,
			CourseID:   base.courseID,
			DocType:    base.docType,
			SourceFile: base.sourceFile,
			PageNumber: pageNum,
			Overlap:    piece.Overlap,
			UploadedAt: base.uploadedAt,
			FileType:   base.fileType,
		})
	}
	return chunks
}
