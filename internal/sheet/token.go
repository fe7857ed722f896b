package sheet

import (
	"strings"

	"github.com/campusops/progress-api/internal/models"
)

// Token is the normalised form of one raw grade cell.
type Token struct {
	Grade      string
	Promotion  string
	GradePoint float64
}

// gradePoints maps pass-grade letters (compared uppercase) to their points.
// Unknown pass tokens score zero.
var gradePoints = map[string]float64{
	"O":  10,
	"A+": 9,
	"A":  8,
	"B+": 7,
	"B":  6,
	"C":  5,
	"P":  4,
}

// Normalize turns a raw results cell into a grade token. The cell grammar is
// `token[|suffix]` or `token1 / token2`; the suffix after the first `|` is
// discarded and the first non-empty `/`-separated token wins (the sheet
// producer embeds the latest result as the first token). Fail tokens are
// matched case-insensitively but the stored grade keeps the original casing.
// Empty cells produce no token.
func Normalize(raw string) (Token, bool) {
	cell := raw
	if i := strings.IndexByte(cell, '|'); i >= 0 {
		cell = cell[:i]
	}
	if strings.ContainsRune(cell, '/') {
		chosen := ""
		for _, part := range strings.Split(cell, "/") {
			if strings.TrimSpace(part) != "" {
				chosen = part
				break
			}
		}
		cell = chosen
	}
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return Token{}, false
	}

	upper := strings.ToUpper(cell)
	if models.IsFailToken(upper) {
		return Token{Grade: cell, Promotion: upper, GradePoint: 0}, true
	}
	return Token{Grade: cell, Promotion: models.PromotionPassed, GradePoint: gradePoints[upper]}, true
}
