package sheet

import (
	"bufio"
	"io"
	"strings"
)

// splitLine performs quote-aware CSV splitting: a double quote toggles whether
// commas delimit fields, and commas inside quotes are literal. This matches the
// upstream sheet producer, which emits rows with uneven field counts and
// unterminated quotes that encoding/csv rejects outright.
func splitLine(line string) []string {
	fields := make([]string, 0, 8)
	var sb strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			fields = append(fields, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	fields = append(fields, sb.String())
	return fields
}

// readLines consumes the decoded text stream into trimmed lines, dropping
// blank ones. Carriage returns from Windows-exported sheets are stripped.
func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
