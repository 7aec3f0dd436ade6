package index

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/manabu-ai/manabu/internal/embedding"
	"github.com/manabu-ai/manabu/internal/models"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunks.db")
	idx, err := Open(path, embedding.NewMockEmbedder(64))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, path
}

func testChunk(id, text, courseID, sourceFile string, uploadedAt time.Time) *models.Chunk {
	return &models.Chunk{
		ID:         id,
		Text:       text,
		CourseID:   courseID,
		DocType:    models.DocTypeLecture,
		SourceFile: sourceFile,
		PageNumber: 1,
		UploadedAt: uploadedAt,
		FileType:   models.FileTypePDF,
	}
}

func TestIndex_UpsertAndQuery(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	chunks := []*models.Chunk{
		testChunk("c1", "the midterm is on march 3rd", "CS101", "dates.pdf", now),
		testChunk("c2", "binary trees and traversal orders", "CS101", "lec2.pdf", now),
	}
	if err := idx.Upsert(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Query(ctx, "the midterm is on march 3rd", models.Filters{CourseID: "CS101"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "c1" {
		t.Errorf("best match should be c1, got %s", results[0].Chunk.ID)
	}
	if results[0].Score < results[1].Score {
		t.Error("results not ordered by descending score")
	}
	if results[0].Score < 0.999 {
		t.Errorf("identical text should score ~1, got %v", results[0].Score)
	}
	if results[0].Chunk.Text != "the midterm is on march 3rd" {
		t.Errorf("chunk text = %q", results[0].Chunk.Text)
	}
}

func TestIndex_CourseSeparation(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	err := idx.Upsert(ctx, []*models.Chunk{
		testChunk("a1", "derivatives and integrals", "MATH201", "calc.pdf", now),
		testChunk("b1", "derivatives and integrals", "CS101", "notes.pdf", now),
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := idx.Query(ctx, "derivatives and integrals", models.Filters{CourseID: "MATH201"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Chunk.CourseID != "MATH201" {
			t.Errorf("filtered query leaked course %s", r.Chunk.CourseID)
		}
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result in MATH201, got %d", len(results))
	}
}

func TestIndex_QueryEmptyScope(t *testing.T) {
	idx, _ := newTestIndex(t)
	results, err := idx.Query(context.Background(), "anything", models.Filters{CourseID: "NOPE"}, 5)
	if err != nil {
		t.Fatalf("empty scope should not be an error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected empty result, got %d", len(results))
	}
}

func TestIndex_UpsertIdempotent(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	ch := testChunk("c1", "original text", "CS101", "a.pdf", now)
	if err := idx.Upsert(ctx, []*models.Chunk{ch}); err != nil {
		t.Fatal(err)
	}
	replacement := testChunk("c1", "replacement text", "CS101", "a.pdf", now.Add(time.Minute))
	if err := idx.Upsert(ctx, []*models.Chunk{replacement}); err != nil {
		t.Fatal(err)
	}

	if idx.Size() != 1 {
		t.Fatalf("re-upsert of same id should overwrite, size = %d", idx.Size())
	}
	results, _ := idx.Query(ctx, "replacement text", models.Filters{CourseID: "CS101"}, 1)
	if len(results) != 1 || results[0].Chunk.Text != "replacement text" {
		t.Errorf("expected replacement text, got %+v", results)
	}
}

func TestIndex_TieBreakByRecency(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	// Same text means identical mock embeddings and therefore identical scores.
	err := idx.Upsert(ctx, []*models.Chunk{
		testChunk("old", "exam covers recursion", "CS101", "old.pdf", older),
		testChunk("new", "exam covers recursion", "CS101", "new.pdf", newer),
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := idx.Query(ctx, "exam covers recursion", models.Filters{CourseID: "CS101"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "new" {
		t.Errorf("more recent upload should win ties, got %s first", results[0].Chunk.ID)
	}
}

func TestIndex_QueryDeterministic(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()
	var chunks []*models.Chunk
	for i := 0; i < 20; i++ {
		chunks = append(chunks, testChunk(
			fmt.Sprintf("c%d", i), fmt.Sprintf("topic number %d", i), "CS101", "doc.pdf", now))
	}
	if err := idx.Upsert(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	first, err := idx.Query(ctx, "topic number 7", models.Filters{CourseID: "CS101"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 3; run++ {
		again, err := idx.Query(ctx, "topic number 7", models.Filters{CourseID: "CS101"}, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: result count changed", run)
		}
		for i := range again {
			if again[i].Chunk.ID != first[i].Chunk.ID {
				t.Fatalf("run %d: ordering changed at position %d", run, i)
			}
		}
	}
}

func TestIndex_Delete(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	err := idx.Upsert(ctx, []*models.Chunk{
		testChunk("c1", "keep me", "CS101", "keep.pdf", now),
		testChunk("c2", "delete me part one", "CS101", "gone.pdf", now),
		testChunk("c3", "delete me part two", "CS101", "gone.pdf", now),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := idx.Delete(ctx, "CS101", "gone.pdf"); err != nil {
		t.Fatal(err)
	}
	docs, err := idx.ListDocuments(ctx, "CS101")
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range docs {
		if d.SourceFile == "gone.pdf" {
			t.Error("deleted document still listed")
		}
	}
	results, _ := idx.Query(ctx, "delete me part one", models.Filters{CourseID: "CS101"}, 10)
	for _, r := range results {
		if r.Chunk.SourceFile == "gone.pdf" {
			t.Error("query returned chunk of deleted document")
		}
	}
	if idx.Size() != 1 {
		t.Errorf("size = %d, want 1", idx.Size())
	}

	// Deleting a non-matching key is a no-op, not an error.
	if err := idx.Delete(ctx, "CS101", "never-existed.pdf"); err != nil {
		t.Errorf("delete of missing document should be a no-op: %v", err)
	}
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	embedder := embedding.NewMockEmbedder(64)
	ctx := context.Background()

	idx, err := Open(path, embedder)
	if err != nil {
		t.Fatal(err)
	}
	err = idx.Upsert(ctx, []*models.Chunk{
		testChunk("c1", "persistent knowledge", "CS101", "notes.pdf", time.Now()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, embedder)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Size() != 1 {
		t.Fatalf("reopened index size = %d, want 1", reopened.Size())
	}
	results, err := reopened.Query(ctx, "persistent knowledge", models.Filters{CourseID: "CS101"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Chunk.Text != "persistent knowledge" {
		t.Errorf("expected persisted chunk after reopen, got %+v", results)
	}
}

func TestIndex_ListDocumentsAndStats(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	err := idx.Upsert(ctx, []*models.Chunk{
		testChunk("a1", "one", "CS101", "lec1.pdf", now.Add(-time.Hour)),
		testChunk("a2", "two", "CS101", "lec1.pdf", now.Add(-time.Hour)),
		testChunk("b1", "three", "MATH201", "hw.pdf", now),
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := idx.ListDocuments(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(all))
	}
	if all[0].SourceFile != "hw.pdf" {
		t.Errorf("most recent document should come first, got %s", all[0].SourceFile)
	}

	cs, err := idx.ListDocuments(ctx, "CS101")
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].ChunkCount != 2 {
		t.Errorf("CS101 listing: %+v", cs)
	}

	courses, err := idx.Courses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(courses) != 2 || courses[0] != "CS101" || courses[1] != "MATH201" {
		t.Errorf("courses = %v", courses)
	}

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalChunks != 3 || stats.TotalDocuments != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Courses["CS101"] != 1 || stats.Courses["MATH201"] != 1 {
		t.Errorf("per-course stats = %v", stats.Courses)
	}
}
