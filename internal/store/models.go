package store

import (
	"time"

	"github.com/opencontainers/go-digest"

	"xteink-flasher/internal/steps"
)

// RunStatus is the outcome of a workflow run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Run records one workflow execution. IDs are UUIDv7 so keys sort by start
// time.
type Run struct {
	ID         string       `json:"id"`
	Workflow   string       `json:"workflow"`
	Status     RunStatus    `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []steps.Step `json:"steps"`
	Error      *steps.Error `json:"error,omitempty"`

	// Firmware written or read by the run, if any.
	FirmwareName   string        `json:"firmware_name,omitempty"`
	FirmwareDigest digest.Digest `json:"firmware_digest,omitempty"`
	Artifact       string        `json:"artifact,omitempty"`
}

// OtadataBackup is the otadata partition as it was before a write.
type OtadataBackup struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	TakenAt   time.Time     `json:"taken_at"`
	Digest    digest.Digest `json:"digest"`
	BootLabel string        `json:"boot_label,omitempty"`
	Data      []byte        `json:"data"`
}
