package processor

import "errors"

// Input errors reported to the caller. Each aborts indexing for the offending
// file only; other files in a multi-file upload proceed.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrEmptyDocument       = errors.New("no extractable text in document")
	ErrEncoding            = errors.New("document is not valid UTF-8")
)
