package grounding

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/manabu-ai/manabu/internal/models"
)

// citationPattern matches both citation forms the model is instructed to
// emit: [Source: filename, Page N] and [Source: filename].
var citationPattern = regexp.MustCompile(`\[Source:\s*([^,\]]+?)\s*(?:,\s*[Pp]age\s+(\d+)\s*)?\]`)

// ExtractCitations returns every citation in text, in order of appearance,
// duplicates included.
func ExtractCitations(text string) []models.Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	citations := make([]models.Citation, 0, len(matches))
	for _, m := range matches {
		cit := models.Citation{SourceFile: strings.TrimSpace(m[1])}
		if m[2] != "" {
			// Digits only per the pattern, Atoi cannot fail.
			cit.PageNumber, _ = strconv.Atoi(m[2])
		}
		citations = append(citations, cit)
	}
	return citations
}
