// Package sqlstore is a journal and offset store on top of database/sql.
// Database specifics live behind Dialect, see the sqlite and mariadb packages.
package sqlstore

type Dialect interface {
	// Name is used as the backend label in metrics and logs.
	Name() string
	// Schema returns the statements that create the tables if they are missing
	// and seed the single journal_head row.
	Schema() []string
	// ForUpdate is appended to selects that must lock the rows they read.
	ForUpdate() string
	// SaveOffset is an upsert taking (projection_id, position) that never
	// lowers a stored position.
	SaveOffset() string
	IsUniqueViolation(err error) bool
	// IsBusy reports lock contention the caller may retry.
	IsBusy(err error) bool
}
