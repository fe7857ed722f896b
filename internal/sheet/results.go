package sheet

import (
	"errors"
	"io"
	"sort"
	"strings"
)

// ObtainedCreditsHeader anchors the results-sheet layout: every header column
// to its right is read as a course code.
const ObtainedCreditsHeader = "OBTAINED CREDITS"

var (
	// ErrEmptySheet signals a sheet with no usable rows.
	ErrEmptySheet = errors.New("sheet is empty")
	// ErrNoCreditColumn signals a results sheet missing the OBTAINED CREDITS column.
	ErrNoCreditColumn = errors.New("results sheet missing OBTAINED CREDITS column")
)

// ResultFact is one (student, course, token) fact from a results sheet.
type ResultFact struct {
	StudentID  string
	CourseCode string
	Token      Token
}

// ResultsSheet is the parsed, program-scoped output of a wide results sheet.
type ResultsSheet struct {
	Facts []ResultFact
	// Names binds student ids to display names. Duplicate ids within one
	// sheet keep the last parsed name; the ids are reported, not rejected.
	Names        map[string]string
	DuplicateIDs []string
	// SkippedCodes lists course codes dropped because the supplied program
	// has no category mapping for them.
	SkippedCodes []string
	// SkippedRows lists 1-based body line numbers dropped for having no
	// student id column.
	SkippedRows []int
}

// ParseResults reads a wide-format results sheet: one row per student, one
// column per course code right of the OBTAINED CREDITS column. When mapped is
// non-nil, course codes absent from it are dropped and reported rather than
// imported without a category.
func ParseResults(r io.Reader, mapped map[string]struct{}) (*ResultsSheet, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptySheet
	}

	header := splitLine(lines[0])
	anchor := -1
	for i, col := range header {
		if strings.TrimSpace(col) == ObtainedCreditsHeader {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		return nil, ErrNoCreditColumn
	}

	courseCols := make(map[int]string)
	skipped := make(map[string]struct{})
	for i := anchor + 1; i < len(header); i++ {
		code := strings.TrimSpace(header[i])
		if code == "" {
			continue
		}
		if mapped != nil {
			if _, ok := mapped[code]; !ok {
				skipped[code] = struct{}{}
				continue
			}
		}
		courseCols[i] = code
	}

	out := &ResultsSheet{Names: make(map[string]string)}
	seen := make(map[string]bool)
	dupes := make(map[string]bool)
	for lineNo, line := range lines[1:] {
		fields := splitLine(line)
		id := strings.TrimSpace(fields[0])
		if id == "" {
			out.SkippedRows = append(out.SkippedRows, lineNo+1)
			continue
		}
		if seen[id] && !dupes[id] {
			dupes[id] = true
			out.DuplicateIDs = append(out.DuplicateIDs, id)
		}
		seen[id] = true
		if len(fields) > 1 {
			out.Names[id] = strings.TrimSpace(fields[1])
		} else if _, ok := out.Names[id]; !ok {
			out.Names[id] = ""
		}
		for col, code := range courseCols {
			if col >= len(fields) {
				continue
			}
			token, ok := Normalize(fields[col])
			if !ok {
				continue
			}
			out.Facts = append(out.Facts, ResultFact{StudentID: id, CourseCode: code, Token: token})
		}
	}

	for code := range skipped {
		out.SkippedCodes = append(out.SkippedCodes, code)
	}
	sort.Strings(out.SkippedCodes)
	// stable so repeated (student, course) cells keep sheet order and the
	// last parsed value wins downstream
	sort.SliceStable(out.Facts, func(i, j int) bool {
		if out.Facts[i].StudentID != out.Facts[j].StudentID {
			return out.Facts[i].StudentID < out.Facts[j].StudentID
		}
		return out.Facts[i].CourseCode < out.Facts[j].CourseCode
	})
	return out, nil
}
