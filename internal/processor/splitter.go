package processor

import (
	"strings"
	"unicode/utf8"
)

// defaultSeparators are tried in order: paragraph, line, sentence, word, hard cut.
var defaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Piece is one split of a text: the chunk text plus the number of leading runes
// that duplicate the tail of the previous piece.
type Piece struct {
	Text    string
	Overlap int
}

// Splitter splits text into overlapping character-based chunks, preferring
// natural boundaries (paragraph, line, sentence, word) before hard cuts.
type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// NewSplitter creates a splitter with the given size and overlap (in runes).
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 5
	}
	return &Splitter{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   defaultSeparators,
	}
}

// Split splits text into pieces of at most chunkSize runes. Consecutive pieces
// share a suffix/prefix of at most chunkOverlap runes, recorded in Overlap, so
// that stripping each piece's leading Overlap runes and concatenating recovers
// the original text.
func (s *Splitter) Split(text string) []Piece {
	if text == "" {
		return nil
	}
	return s.merge(s.fragments(text, s.separators))
}

// fragments recursively splits text into parts of at most chunkSize runes,
// cutting at the first separator present and recursing with the remaining
// separators for parts that are still too large. Concatenating the returned
// fragments reproduces text exactly.
func (s *Splitter) fragments(text string, separators []string) []string {
	if utf8.RuneCountInString(text) <= s.chunkSize {
		return []string{text}
	}

	sep := ""
	var rest []string
	for i, cand := range separators {
		if cand == "" {
			break
		}
		if strings.Contains(text, cand) {
			sep = cand
			rest = separators[i+1:]
			break
		}
	}
	if sep == "" {
		return hardCut(text, s.chunkSize)
	}

	parts := strings.Split(text, sep)
	var out []string
	for i, part := range parts {
		if i < len(parts)-1 {
			part += sep
		}
		if part == "" {
			continue
		}
		if utf8.RuneCountInString(part) <= s.chunkSize {
			out = append(out, part)
			continue
		}
		out = append(out, s.fragments(part, rest)...)
	}
	return out
}

// hardCut splits text into windows of exactly size runes (last one may be shorter).
func hardCut(text string, size int) []string {
	var out []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// merge greedily packs fragments into chunks of at most chunkSize runes.
// When a chunk is emitted, trailing fragments totaling at most chunkOverlap
// runes are retained as the start of the next chunk.
func (s *Splitter) merge(fragments []string) []Piece {
	var pieces []Piece
	var window []string
	winLen := 0
	overlap := 0 // runes at the front of window carried over from the previous piece
	fresh := false

	flush := func() {
		pieces = append(pieces, Piece{Text: strings.Join(window, ""), Overlap: overlap})
		fresh = false
	}

	for _, frag := range fragments {
		n := utf8.RuneCountInString(frag)
		if winLen+n > s.chunkSize && winLen > 0 {
			flush()
			for len(window) > 0 && (winLen > s.chunkOverlap || winLen+n > s.chunkSize) {
				winLen -= utf8.RuneCountInString(window[0])
				window = window[1:]
			}
			overlap = winLen
		}
		window = append(window, frag)
		winLen += n
		fresh = true
	}
	if fresh && winLen > 0 {
		flush()
	}
	return pieces
}
