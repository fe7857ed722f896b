package models

import "time"

// Program represents a degree program offered by the university.
type Program struct {
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Category is a named degree-requirement bucket scoped to a program.
type Category struct {
	ID          int64     `db:"id" json:"id"`
	ProgramCode string    `db:"program_code" json:"program_code"`
	Name        string    `db:"name" json:"name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// CategoryRequirement holds the minimum course count and credit sum a program
// mandates for a category. The aggregation engine only reads these rows.
type CategoryRequirement struct {
	CategoryID int64   `db:"category_id" json:"category_id"`
	MinCourses int     `db:"min_courses" json:"min_courses"`
	MinCredits float64 `db:"min_credits" json:"min_credits"`
}

// CategoryWithRequirement joins a category with its declared minimums.
// Categories without a requirement row default to 0/0.0.
type CategoryWithRequirement struct {
	ID          int64   `db:"id" json:"id"`
	ProgramCode string  `db:"program_code" json:"program_code"`
	Name        string  `db:"name" json:"name"`
	MinCourses  int     `db:"min_courses" json:"min_courses"`
	MinCredits  float64 `db:"min_credits" json:"min_credits"`
}

// ProgramCourseCategory maps a (program, course) pair to a category. A course
// with no mapping for a program is excluded from that program's imports.
type ProgramCourseCategory struct {
	ID          int64  `db:"id" json:"id"`
	ProgramCode string `db:"program_code" json:"program_code"`
	CourseID    int64  `db:"course_id" json:"course_id"`
	CategoryID  int64  `db:"category_id" json:"category_id"`
}

// CourseCategoryRow is the flattened mapping used during import resolution.
type CourseCategoryRow struct {
	CourseCode   string `db:"course_code"`
	CategoryName string `db:"category_name"`
}
