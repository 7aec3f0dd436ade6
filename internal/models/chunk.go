// Package models defines core data structures for chunks, documents, and answers.
package models

import (
	"fmt"
	"strings"
	"time"
)

// MiscCourseID is the reserved course bucket for uncategorized uploads.
const MiscCourseID = "MISC"

// AutoScope requests course auto-detection at retrieval time instead of a fixed course.
const AutoScope = "AUTO"

// DocType classifies a document within a course.
type DocType string

const (
	DocTypeLecture    DocType = "lecture"
	DocTypeAssignment DocType = "assignment"
	DocTypeSyllabus   DocType = "syllabus"
	DocTypeExam       DocType = "exam"
	DocTypeSchedule   DocType = "schedule"
	DocTypeMisc       DocType = "misc"
)

// ParseDocType returns the DocType for s (case-insensitive).
// Empty input defaults to misc; unknown values are an error.
func ParseDocType(s string) (DocType, error) {
	switch DocType(strings.ToLower(strings.TrimSpace(s))) {
	case DocTypeLecture:
		return DocTypeLecture, nil
	case DocTypeAssignment:
		return DocTypeAssignment, nil
	case DocTypeSyllabus:
		return DocTypeSyllabus, nil
	case DocTypeExam:
		return DocTypeExam, nil
	case DocTypeSchedule:
		return DocTypeSchedule, nil
	case DocTypeMisc, "":
		return DocTypeMisc, nil
	default:
		return "", fmt.Errorf("unknown doc type: %q", s)
	}
}

// FileType is the source file format a chunk came from.
type FileType string

const (
	FileTypePDF FileType = "pdf"
	FileTypeTXT FileType = "txt"
)

// Chunk is the atomic retrieval unit: a bounded span of document text with
// provenance metadata. Chunks are immutable once indexed; re-uploading a file
// produces new chunks with new IDs.
type Chunk struct {
	ID         string  `json:"chunk_id"`
	Text       string  `json:"text"`
	CourseID   string  `json:"course_id"`
	DocType    DocType `json:"doc_type"`
	SourceFile string  `json:"source_file"`
	// PageNumber is 1-based for PDF sources; 0 means the source is not paginated.
	PageNumber int `json:"page_number,omitempty"`
	// Overlap is the number of leading runes duplicated from the previous chunk
	// of the same page or document. Used to reconstruct the original text.
	Overlap    int       `json:"overlap,omitempty"`
	UploadedAt time.Time `json:"upload_timestamp"`
	FileType   FileType  `json:"file_type"`
	Embedding  []float32 `json:"-"`
}
