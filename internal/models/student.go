package models

import "time"

// Student is keyed by the external university identifier. Students are created
// lazily on first appearance in any sheet; the program binding stays null until
// an import supplies one.
type Student struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	ProgramCode  *string   `db:"program_code" json:"program_code,omitempty"`
	HasBacklog   bool      `db:"has_backlog" json:"has_backlog"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Course is global reference data, created or retitled on first sight of a code.
type Course struct {
	ID        int64     `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Title     string    `db:"title" json:"title"`
	Credits   float64   `db:"credits" json:"credits"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
