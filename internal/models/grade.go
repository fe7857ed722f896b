package models

import "time"

// Promotion states for a (student, course) ledger row.
const (
	PromotionPassed     = "P"
	PromotionRegistered = "R"
)

// Fail tokens double as promotion states and carry a zero grade point.
const (
	TokenDetained     = "DT"
	TokenNotAppeared  = "NA"
	TokenFailed       = "F"
	TokenBacklogNA    = "BLNA"
)

// IsFailToken reports whether an uppercased grade token marks a non-pass result.
func IsFailToken(token string) bool {
	switch token {
	case TokenDetained, TokenNotAppeared, TokenFailed, TokenBacklogNA:
		return true
	}
	return false
}

// GradeRecord is the durable ledger fact, unique on (student_id, course_id).
// Category is a denormalised copy resolved at merge time.
type GradeRecord struct {
	ID           int64     `db:"id" json:"id"`
	StudentID    string    `db:"student_id" json:"student_id"`
	CourseID     int64     `db:"course_id" json:"course_id"`
	Grade        string    `db:"grade" json:"grade"`
	GradePoint   float64   `db:"grade_point" json:"grade_point"`
	Promotion    string    `db:"promotion" json:"promotion"`
	Category     string    `db:"category" json:"category"`
	AcademicYear string    `db:"academic_year" json:"academic_year"`
	Semester     string    `db:"semester" json:"semester"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// GradeUpsert carries one resolved results fact into the bulk merge.
type GradeUpsert struct {
	StudentID    string  `db:"student_id"`
	CourseID     int64   `db:"course_id"`
	Grade        string  `db:"grade"`
	GradePoint   float64 `db:"grade_point"`
	Promotion    string  `db:"promotion"`
	Category     string  `db:"category"`
	AcademicYear string  `db:"academic_year"`
	Semester     string  `db:"semester"`
}

// RegistrationStage carries one reconciled registration fact into the staged merge.
type RegistrationStage struct {
	StudentID    string `db:"student_id"`
	CourseID     int64  `db:"course_id"`
	AcademicYear string `db:"academic_year"`
	Semester     string `db:"semester"`
}

// MergeOutcome summarises a ledger merge.
type MergeOutcome struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}
