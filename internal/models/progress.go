package models

import "time"

// ProgressSnapshot is the derived per-student per-category progress row. It is
// fully recomputable from GradeRecord and CategoryRequirement; recompute always
// deletes and reinserts a student's rows as one unit, never patches them.
type ProgressSnapshot struct {
	ID               string    `db:"id" json:"id"`
	StudentID        string    `db:"student_id" json:"student_id"`
	Category         string    `db:"category" json:"category"`
	MinCourses       int       `db:"min_courses" json:"min_courses"`
	MinCredits       float64   `db:"min_credits" json:"min_credits"`
	CompletedCourses int       `db:"completed_courses" json:"completed_courses"`
	CompletedCredits float64   `db:"completed_credits" json:"completed_credits"`
	ComputedAt       time.Time `db:"computed_at" json:"computed_at"`
}

// Satisfied reports whether this category's minimums are met. Non-positive
// minimums are always satisfied.
func (s ProgressSnapshot) Satisfied() bool {
	if s.MinCourses > 0 && s.CompletedCourses < s.MinCourses {
		return false
	}
	if s.MinCredits > 0 && s.CompletedCredits < s.MinCredits {
		return false
	}
	return true
}

// StudentProgress aggregates a student's snapshot rows with the derived
// completeness verdict. A student with zero rows is never complete.
type StudentProgress struct {
	StudentID  string             `json:"student_id"`
	Categories []ProgressSnapshot `json:"categories"`
	Complete   bool               `json:"complete"`
}

// PassedCourse pairs a passed ledger row with its course credits; input to the
// per-student fold aggregation.
type PassedCourse struct {
	StudentID string  `db:"student_id"`
	Category  string  `db:"category"`
	Credits   float64 `db:"credits"`
}
