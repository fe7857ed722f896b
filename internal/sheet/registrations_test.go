package sheet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegistrationsLatestYearWins(t *testing.T) {
	csv := "University ID,CourseCode,AcademicYear,Semester\n" +
		"U1,CS103,2023-2024,ODD\n" +
		"U1,CS103,2024-2025,EVEN\n"
	out, err := ParseRegistrations(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, out.Facts, 1)
	assert.Equal(t, "2024-2025", out.Facts[0].AcademicYear)
	assert.Equal(t, "EVEN", out.Facts[0].Semester)
}

func TestParseRegistrationsSemesterBreaksTies(t *testing.T) {
	csv := "University ID,CourseCode,AcademicYear,Semester\n" +
		"U1,CS103,2024-2025,SUMMER\n" +
		"U1,CS103,2024-2025,ODD\n"
	out, err := ParseRegistrations(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, out.Facts, 1)
	assert.Equal(t, "SUMMER", out.Facts[0].Semester)
}

func TestParseRegistrationsSemesterSubstringMatch(t *testing.T) {
	csv := "University ID,CourseCode,AcademicYear,Semester\n" +
		"U1,CS103,2024-2025,Odd Semester (Jul-Dec)\n"
	out, err := ParseRegistrations(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, out.Facts, 1)
	assert.Equal(t, "ODD", out.Facts[0].Semester)
}

func TestParseRegistrationsUnparseableYearRanksLowest(t *testing.T) {
	csv := "University ID,CourseCode,AcademicYear,Semester\n" +
		"U1,CS103,unknown,SUMMER\n" +
		"U1,CS103,2020-2021,ODD\n"
	out, err := ParseRegistrations(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, out.Facts, 1)
	assert.Equal(t, "2020-2021", out.Facts[0].AcademicYear)
}

func TestParseRegistrationsDistinctPairsKept(t *testing.T) {
	csv := "University ID,CourseCode,AcademicYear,Semester,Name\n" +
		"U1,CS103,2024-2025,ODD,Alice\n" +
		"U2,CS103,2024-2025,ODD,Bob\n" +
		"U1,CS104,2024-2025,EVEN,Alice\n"
	out, err := ParseRegistrations(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Len(t, out.Facts, 3)
	assert.Equal(t, "Alice", out.Names["U1"])
	assert.Equal(t, "Bob", out.Names["U2"])
}

func TestParseRegistrationsSkipsShortRows(t *testing.T) {
	csv := "University ID,CourseCode,AcademicYear,Semester\n" +
		"U1\n" +
		"U1,CS103,2024-2025,ODD\n"
	out, err := ParseRegistrations(strings.NewReader(csv))
	require.NoError(t, err)
	assert.Len(t, out.Facts, 1)
	assert.Equal(t, []int{1}, out.SkippedRows)
}

func TestParseRegistrationsMissingHeader(t *testing.T) {
	csv := "University ID,CourseCode,Semester\nU1,CS103,ODD\n"
	_, err := ParseRegistrations(strings.NewReader(csv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AcademicYear")
}

func TestParseRegistrationsEmptySheet(t *testing.T) {
	_, err := ParseRegistrations(strings.NewReader("\n\n"))
	assert.ErrorIs(t, err, ErrEmptySheet)
}
