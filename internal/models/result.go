package models

import "time"

// ScoredChunk pairs a retrieved chunk with its cosine similarity score.
// Scores lie in [-1, 1] and are reported unmodified.
type ScoredChunk struct {
	Chunk *Chunk  `json:"chunk"`
	Score float64 `json:"score"`
}

// Filters restricts an index query by chunk metadata. Zero values match everything.
type Filters struct {
	CourseID string
	DocType  DocType
}

// Matches reports whether a chunk with the given metadata satisfies the filters.
func (f Filters) Matches(courseID string, docType DocType) bool {
	if f.CourseID != "" && f.CourseID != courseID {
		return false
	}
	if f.DocType != "" && f.DocType != docType {
		return false
	}
	return true
}

// Citation names a source location referenced by an answer.
type Citation struct {
	SourceFile string `json:"source_file"`
	PageNumber int    `json:"page_number,omitempty"`
}

// Answer is the grounded response to a question.
type Answer struct {
	Text      string     `json:"answer_text"`
	Citations []Citation `json:"citations"`
	// Evidence holds the verbatim chunk texts that were supplied to the model,
	// returned regardless of whether the model cited them.
	Evidence         []string `json:"evidence"`
	ResolvedCourseID string   `json:"resolved_course_id"`
	// Warnings carries grounding violations and degraded-answer notices.
	// The caller decides whether to surface or suppress them.
	Warnings []string `json:"warnings,omitempty"`
}

// DocumentInfo summarizes one uploaded document (the set of chunks sharing
// a source file, course, and upload timestamp).
type DocumentInfo struct {
	SourceFile string    `json:"source_file"`
	CourseID   string    `json:"course_id"`
	DocType    DocType   `json:"doc_type"`
	FileType   FileType  `json:"file_type"`
	UploadedAt time.Time `json:"upload_timestamp"`
	ChunkCount int       `json:"chunk_count"`
}

// IndexStats summarizes index contents.
type IndexStats struct {
	TotalChunks    int64          `json:"total_chunks"`
	TotalDocuments int64          `json:"total_documents"`
	Courses        map[string]int `json:"courses"` // course ID -> document count
}
