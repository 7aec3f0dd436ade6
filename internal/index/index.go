// Package index provides the durable course-scoped vector index: chunk text,
// metadata, and embeddings persisted in SQLite, with brute-force cosine search
// over an in-memory vector table.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/embedding"
	"github.com/manabu-ai/manabu/internal/models"
)

// Index owns all persisted chunk data. Embeddings are computed on upsert via
// the configured embedder and stored alongside the chunk; each chunk is written
// in its own transaction so a concurrent query never observes a partial write.
type Index struct {
	db       *sql.DB
	embedder embedding.Embedder
	logger   *zap.Logger // optional; when set, logs debug events

	mu   sync.RWMutex
	rows map[string]*row // chunk ID -> scoring metadata, mirrors the chunks table
}

// row holds the in-memory scoring view of one persisted chunk.
type row struct {
	courseID   string
	docType    models.DocType
	sourceFile string
	uploadedAt time.Time
	vector     []float32
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(idx *Index) { idx.logger = l }
}

// Open opens or creates the chunk database at dbPath, initializes the schema,
// and loads all embeddings into memory. Parent directories are created if needed.
func Open(dbPath string, embedder embedding.Embedder, opts ...Option) (*Index, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	// Writes must be durable before Upsert/Delete return.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	idx := &Index{
		db:       db,
		embedder: embedder,
		rows:     make(map[string]*row),
	}
	for _, opt := range opts {
		opt(idx)
	}
	if err := idx.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	return idx, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL,
		doc_type TEXT NOT NULL,
		source_file TEXT NOT NULL,
		page_number INTEGER NOT NULL DEFAULT 0,
		overlap INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		file_type TEXT NOT NULL,
		uploaded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_course ON chunks(course_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_course_file ON chunks(course_id, source_file);
	`
	_, err := db.Exec(schema)
	return err
}

// load populates the in-memory vector table from the chunks table.
func (idx *Index) load() error {
	rows, err := idx.db.Query(`SELECT id, course_id, doc_type, source_file, uploaded_at, embedding FROM chunks`)
	if err != nil {
		return err
	}
	defer rows.Close()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for rows.Next() {
		var id, courseID, docType, sourceFile string
		var uploadedAt int64
		var blob []byte
		if err := rows.Scan(&id, &courseID, &docType, &sourceFile, &uploadedAt, &blob); err != nil {
			return fmt.Errorf("corrupt chunk record: %w", err)
		}
		idx.rows[id] = &row{
			courseID:   courseID,
			docType:    models.DocType(docType),
			sourceFile: sourceFile,
			uploadedAt: time.Unix(0, uploadedAt),
			vector:     bytesToFloat32Slice(blob),
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if idx.logger != nil {
		idx.logger.Debug("index loaded", zap.Int("chunks", len(idx.rows)))
	}
	return nil
}

// Upsert embeds and persists chunks. Each chunk is committed in its own
// transaction: a failure partway leaves earlier chunks durable and later ones
// absent, never a half-written chunk. Re-upserting a chunk ID overwrites it.
func (idx *Index) Upsert(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	embeddings, err := idx.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}

	for i, ch := range chunks {
		ch.Embedding = embeddings[i]
		if err := idx.upsertOne(ctx, ch); err != nil {
			return fmt.Errorf("failed to store chunk %s: %w", ch.ID, err)
		}
	}
	if idx.logger != nil {
		idx.logger.Debug("chunks upserted", zap.Int("count", len(chunks)))
	}
	return nil
}

func (idx *Index) upsertOne(ctx context.Context, ch *models.Chunk) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks
		 (id, course_id, doc_type, source_file, page_number, overlap, content, embedding, file_type, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.CourseID, string(ch.DocType), ch.SourceFile, ch.PageNumber, ch.Overlap,
		ch.Text, float32SliceToBytes(ch.Embedding), string(ch.FileType), ch.UploadedAt.UnixNano(),
	)
	if err != nil {
		return err
	}
	vec := make([]float32, len(ch.Embedding))
	copy(vec, ch.Embedding)
	idx.mu.Lock()
	idx.rows[ch.ID] = &row{
		courseID:   ch.CourseID,
		docType:    ch.DocType,
		sourceFile: ch.SourceFile,
		uploadedAt: ch.UploadedAt,
		vector:     vec,
	}
	idx.mu.Unlock()
	return nil
}

// Query embeds the query text and returns up to topK chunks matching filters,
// ordered by descending cosine similarity. Ties are broken by upload recency
// (newer wins), then chunk ID, so ordering is deterministic. An empty or
// unknown course scope yields an empty result, not an error.
func (idx *Index) Query(ctx context.Context, queryText string, filters models.Filters, topK int) ([]*models.ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryVec, err := idx.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		id         string
		score      float64
		uploadedAt time.Time
	}
	var candidates []scored
	idx.mu.RLock()
	for id, r := range idx.rows {
		if !filters.Matches(r.courseID, r.docType) {
			continue
		}
		candidates = append(candidates, scored{
			id:         id,
			score:      dot(queryVec, r.vector),
			uploadedAt: r.uploadedAt,
		})
	}
	idx.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].uploadedAt.Equal(candidates[j].uploadedAt) {
			return candidates[i].uploadedAt.After(candidates[j].uploadedAt)
		}
		return candidates[i].id > candidates[j].id
	})
	if topK < len(candidates) {
		candidates = candidates[:topK]
	}

	results := make([]*models.ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		ch, err := idx.getChunk(ctx, c.id)
		if err != nil {
			// Row vanished between scoring and fetch (concurrent delete); skip it.
			continue
		}
		results = append(results, &models.ScoredChunk{Chunk: ch, Score: c.score})
	}
	return results, nil
}

func (idx *Index) getChunk(ctx context.Context, id string) (*models.Chunk, error) {
	var ch models.Chunk
	var docType, fileType string
	var uploadedAt int64
	var blob []byte
	err := idx.db.QueryRowContext(ctx,
		`SELECT id, course_id, doc_type, source_file, page_number, overlap, content, embedding, file_type, uploaded_at
		 FROM chunks WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.CourseID, &docType, &ch.SourceFile, &ch.PageNumber, &ch.Overlap,
		&ch.Text, &blob, &fileType, &uploadedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	ch.DocType = models.DocType(docType)
	ch.FileType = models.FileType(fileType)
	ch.UploadedAt = time.Unix(0, uploadedAt)
	ch.Embedding = bytesToFloat32Slice(blob)
	return &ch, nil
}

// Delete removes all chunks of the document identified by courseID and
// sourceFile in one transaction. A non-matching key is a no-op.
func (idx *Index) Delete(ctx context.Context, courseID, sourceFile string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE course_id = ? AND source_file = ?`, courseID, sourceFile)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	idx.mu.Lock()
	for id, r := range idx.rows {
		if r.courseID == courseID && r.sourceFile == sourceFile {
			delete(idx.rows, id)
		}
	}
	idx.mu.Unlock()

	if idx.logger != nil {
		n, _ := result.RowsAffected()
		idx.logger.Debug("document deleted",
			zap.String("course_id", courseID),
			zap.String("source_file", sourceFile),
			zap.Int64("chunks", n),
		)
	}
	return nil
}

// ListDocuments returns one summary per uploaded document, most recent first.
// An empty courseID lists documents across all courses.
func (idx *Index) ListDocuments(ctx context.Context, courseID string) ([]*models.DocumentInfo, error) {
	query := `SELECT source_file, course_id, doc_type, file_type, MAX(uploaded_at), COUNT(*)
	          FROM chunks`
	args := []any{}
	if courseID != "" {
		query += ` WHERE course_id = ?`
		args = append(args, courseID)
	}
	query += ` GROUP BY course_id, source_file ORDER BY MAX(uploaded_at) DESC, source_file`

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.DocumentInfo
	for rows.Next() {
		var info models.DocumentInfo
		var docType, fileType string
		var uploadedAt int64
		if err := rows.Scan(&info.SourceFile, &info.CourseID, &docType, &fileType, &uploadedAt, &info.ChunkCount); err != nil {
			return nil, err
		}
		info.DocType = models.DocType(docType)
		info.FileType = models.FileType(fileType)
		info.UploadedAt = time.Unix(0, uploadedAt)
		docs = append(docs, &info)
	}
	return docs, rows.Err()
}

// Courses returns all distinct course IDs in the index, sorted.
func (idx *Index) Courses(ctx context.Context) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT DISTINCT course_id FROM chunks ORDER BY course_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var courses []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// Stats returns chunk and document counts for the whole index.
func (idx *Index) Stats(ctx context.Context) (*models.IndexStats, error) {
	stats := &models.IndexStats{Courses: make(map[string]int)}
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&stats.TotalChunks); err != nil {
		return nil, err
	}
	rows, err := idx.db.QueryContext(ctx,
		`SELECT course_id, COUNT(DISTINCT source_file) FROM chunks GROUP BY course_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var course string
		var n int
		if err := rows.Scan(&course, &n); err != nil {
			return nil, err
		}
		stats.Courses[course] = n
		stats.TotalDocuments += int64(n)
	}
	return stats, rows.Err()
}

// Size returns the number of indexed chunks.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rows)
}

// Close closes the database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// dot returns the inner product of two vectors; for unit vectors this is the
// cosine similarity in [-1, 1]. Mismatched lengths score zero.
func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i] * b[i])
	}
	return sum
}
