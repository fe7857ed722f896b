package sheet

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Registrations sheet column names, matched after trimming.
const (
	colUniversityID = "University ID"
	colCourseCode   = "CourseCode"
	colAcademicYear = "AcademicYear"
	colSemester     = "Semester"
	colName         = "Name"
)

// Semester rank within an academic year: ODD < EVEN < SUMMER.
var semesterRanks = map[string]int{
	"ODD":    1,
	"EVEN":   2,
	"SUMMER": 3,
}

// RegistrationFact is one (student, course) registration, already reduced to
// the latest academic term for that pair.
type RegistrationFact struct {
	StudentID    string
	CourseCode   string
	AcademicYear string
	Semester     string

	yearStart int
	semRank   int
}

// RegistrationsSheet is the reconciled output of a registrations sheet.
type RegistrationsSheet struct {
	Facts       []RegistrationFact
	Names       map[string]string
	SkippedRows []int
}

// ParseRegistrations reads a registrations sheet and keeps, per (student,
// course) pair, only the latest registration: larger parsed year-start wins,
// ties broken by semester rank, unparseable years rank lowest. Rows missing
// the id or course columns are skipped and reported.
func ParseRegistrations(r io.Reader) (*RegistrationsSheet, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptySheet
	}

	header := splitLine(lines[0])
	cols := make(map[string]int, len(header))
	for i, col := range header {
		cols[strings.TrimSpace(col)] = i
	}
	for _, required := range []string{colUniversityID, colCourseCode, colAcademicYear, colSemester} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("registrations sheet missing %s column", required)
		}
	}
	idCol, codeCol := cols[colUniversityID], cols[colCourseCode]
	yearCol, semCol := cols[colAcademicYear], cols[colSemester]
	nameCol, hasName := cols[colName]

	out := &RegistrationsSheet{Names: make(map[string]string)}
	latest := make(map[string]RegistrationFact)
	var order []string
	for lineNo, line := range lines[1:] {
		fields := splitLine(line)
		if idCol >= len(fields) || codeCol >= len(fields) {
			out.SkippedRows = append(out.SkippedRows, lineNo+1)
			continue
		}
		id := strings.TrimSpace(fields[idCol])
		code := strings.TrimSpace(fields[codeCol])
		if id == "" || code == "" {
			out.SkippedRows = append(out.SkippedRows, lineNo+1)
			continue
		}
		fact := RegistrationFact{StudentID: id, CourseCode: code}
		if yearCol < len(fields) {
			fact.AcademicYear = strings.TrimSpace(fields[yearCol])
			fact.yearStart = parseYearStart(fact.AcademicYear)
		}
		if semCol < len(fields) {
			fact.Semester, fact.semRank = normalizeSemester(fields[semCol])
		}
		if hasName && nameCol < len(fields) {
			if name := strings.TrimSpace(fields[nameCol]); name != "" {
				out.Names[id] = name
			}
		}

		key := id + "\x00" + code
		current, ok := latest[key]
		if !ok {
			order = append(order, key)
			latest[key] = fact
			continue
		}
		if !newerThan(current, fact) {
			latest[key] = fact
		}
	}

	for _, key := range order {
		out.Facts = append(out.Facts, latest[key])
	}
	return out, nil
}

// parseYearStart extracts the starting year from a YYYY-YYYY value. Anything
// unparseable ranks lowest.
func parseYearStart(raw string) int {
	first := raw
	if i := strings.IndexByte(first, '-'); i >= 0 {
		first = first[:i]
	}
	year, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return -1
	}
	return year
}

// normalizeSemester matches ODD/EVEN/SUMMER as case-insensitive substrings,
// returning the canonical token and its rank. Unmatched values keep the
// trimmed raw text with rank zero.
func normalizeSemester(raw string) (string, int) {
	trimmed := strings.TrimSpace(raw)
	upper := strings.ToUpper(trimmed)
	for _, token := range []string{"SUMMER", "EVEN", "ODD"} {
		if strings.Contains(upper, token) {
			return token, semesterRanks[token]
		}
	}
	return trimmed, 0
}

// newerThan reports whether a strictly outranks b; equal ranks are not newer,
// so the later sheet row wins on exact ties.
func newerThan(a, b RegistrationFact) bool {
	if a.yearStart != b.yearStart {
		return a.yearStart > b.yearStart
	}
	return a.semRank > b.semRank
}
