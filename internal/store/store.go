package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Workflow runs
	SaveRun(run *Run) error
	GetRun(id string) (*Run, error)
	// ListRuns returns the newest runs first; limit <= 0 returns all.
	ListRuns(limit int) ([]*Run, error)

	// UpdateRun atomically reads, modifies, and saves a run in a single
	// transaction. Returns ErrNotFound if the run does not exist.
	UpdateRun(id string, fn func(run *Run) error) error

	// Otadata backups
	SaveBackup(b *OtadataBackup) error
	GetBackup(id string) (*OtadataBackup, error)
	ListBackups() ([]*OtadataBackup, error)

	// Close the store
	Close() error
}
