package models

// User is the read-only profile projection used for display names.
type User struct {
	ID       int    `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
	Avatar   string `db:"avatar" json:"avatar,omitempty"`
}
