// Package flasher runs the device workflows: each one is a fixed list of
// named steps executed in order against a device link, stopping at the first
// failure.
package flasher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"xteink-flasher/internal/artifact"
	"xteink-flasher/internal/device"
	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/remote"
	"xteink-flasher/internal/steps"
	"xteink-flasher/internal/store"
)

var (
	// ErrBusy is returned when a workflow is started while another runs.
	ErrBusy = errors.New("a workflow is already running")
	// ErrMissingInput is returned when a file workflow receives no data.
	ErrMissingInput = errors.New("file not found")

	errNoSource = errors.New("flasher: no firmware source configured")
)

// Workflow names.
type Workflow string

const (
	WorkflowFlashOfficial  Workflow = "flash-official"
	WorkflowFlashCommunity Workflow = "flash-community"
	WorkflowFlashCustom    Workflow = "flash-file"
	WorkflowSaveFullFlash  Workflow = "save-flash"
	WorkflowWriteFullFlash Workflow = "write-flash"
	WorkflowReadOtadata    Workflow = "read-otadata"
	WorkflowReadApp        Workflow = "read-app"
	WorkflowSwapBoot       Workflow = "swap-boot"
	WorkflowIdentify       Workflow = "identify"
)

// Error kinds recorded on failed steps.
const (
	KindInvalidStateEncoding = "InvalidStateEncoding"
	KindMissingInput         = "MissingInput"
	KindDeviceIO             = "DeviceIoError"
	KindAssetNotFound        = "AssetNotFound"
	KindUnsupportedFirmware  = "UnsupportedFirmwareRequest"
	KindCanceled             = "Canceled"
	KindError                = "Error"
)

// ErrorKind classifies a workflow error.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, otadata.ErrInvalidStateEncoding):
		return KindInvalidStateEncoding
	case errors.Is(err, ErrMissingInput):
		return KindMissingInput
	case errors.Is(err, remote.ErrAssetNotFound):
		return KindAssetNotFound
	case errors.Is(err, remote.ErrUnsupportedFirmware):
		return KindUnsupportedFirmware
	case errors.Is(err, device.ErrIO):
		return KindDeviceIO
	default:
		return KindError
	}
}

// FirmwareSource downloads firmware images.
type FirmwareSource interface {
	FetchOfficial(ctx context.Context, region string) ([]byte, error)
	FetchCommunity(ctx context.Context, name string) ([]byte, error)
}

// FileFunc supplies a user-provided file. Returning no data fails the
// "Read file" step with ErrMissingInput.
type FileFunc func() (data []byte, name string, err error)

// State is Idle (zero value) or Running.
type State struct {
	Running    bool      `json:"running"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Workflow   Workflow  `json:"workflow,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore persists run history and otadata backups.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithEventBus publishes workflow and step events on bus.
func WithEventBus(bus *EventBus) Option {
	return func(o *Orchestrator) { o.events = bus }
}

// WithArtifactDir saves every dump read from the device into dir.
func WithArtifactDir(dir string) Option {
	return func(o *Orchestrator) { o.artifactDir = dir }
}

// Orchestrator runs one workflow at a time against a device link.
type Orchestrator struct {
	link        device.Link
	source      FirmwareSource
	store       store.Store
	events      *EventBus
	artifactDir string
	logger      *slog.Logger
	runner      *steps.Runner

	mu    sync.Mutex
	state State
}

// New creates an orchestrator.
func New(link device.Link, source FirmwareSource, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		link:   link,
		source: source,
		logger: logger.With("component", "flasher"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.events == nil {
		o.events = NewEventBus(o.logger)
	}
	o.runner = steps.NewRunner(
		steps.WithErrorKind(ErrorKind),
		steps.WithObserver(o.onStep),
	)
	return o
}

// Events returns the bus workflow events are published on.
func (o *Orchestrator) Events() *EventBus {
	return o.events
}

// State reports whether a workflow is running.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Steps returns the steps of the current or most recent workflow.
func (o *Orchestrator) Steps() []steps.Step {
	return o.runner.Snapshot()
}

func (o *Orchestrator) onStep(u steps.Update) {
	o.mu.Lock()
	id := o.state.WorkflowID
	o.mu.Unlock()

	if u.Step.Progress == nil || u.Step.Status != steps.StatusRunning {
		o.logger.Debug("step", "workflow_id", id, "index", u.Index, "name", u.Step.Name, "status", u.Step.Status)
	}
	if u.Step.Error != nil {
		o.logger.Warn("step failed", "workflow_id", id, "name", u.Step.Name, "kind", u.Step.Error.Kind, "err", u.Step.Error.Message)
	}
	o.events.Emit(Event{Type: EventStepUpdate, Data: StepUpdate{WorkflowID: id, Index: u.Index, Step: u.Step}})
}

// session is one workflow execution.
type session struct {
	o        *Orchestrator
	id       string
	workflow Workflow
	started  time.Time
	conn     device.Connection
	record   *store.Run
}

func (o *Orchestrator) begin(wf Workflow, names ...string) (*session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("flasher: workflow id: %w", err)
	}

	o.mu.Lock()
	if o.state.Running {
		cur := o.state
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrBusy, cur.Workflow, cur.WorkflowID)
	}
	now := time.Now()
	o.state = State{Running: true, WorkflowID: id.String(), Workflow: wf, StartedAt: now}
	o.mu.Unlock()

	s := &session{o: o, id: id.String(), workflow: wf, started: now}
	o.logger.Info("workflow started", "workflow", wf, "workflow_id", s.id)
	o.events.Emit(Event{Type: EventWorkflowStarted, Data: WorkflowStarted{
		ID: s.id, Workflow: wf, StartedAt: now, Steps: names,
	}})
	o.runner.Declare(names...)

	if o.store != nil {
		s.record = &store.Run{
			ID:        s.id,
			Workflow:  string(wf),
			Status:    store.RunRunning,
			StartedAt: now,
			Steps:     o.runner.Snapshot(),
		}
		if err := o.store.SaveRun(s.record); err != nil {
			o.logger.Warn("save run", "workflow_id", s.id, "err", err)
			s.record = nil
		}
	}
	return s, nil
}

// finish releases the device, records the outcome and returns the
// orchestrator to Idle. It returns err unchanged.
func (s *session) finish(err error) error {
	o := s.o
	if err != nil && s.conn != nil {
		// Leave the chip in the bootloader; only free the port.
		if derr := s.conn.Disconnect(context.Background(), device.DisconnectOptions{SkipReset: true}); derr != nil {
			o.logger.Warn("release device after failure", "workflow_id", s.id, "err", derr)
		}
		s.conn = nil
	}

	var stepErr *steps.Error
	if err != nil {
		if failed, ok := o.runner.Failed(); ok {
			stepErr = failed.Error
		} else {
			stepErr = &steps.Error{Kind: ErrorKind(err), Message: err.Error()}
		}
	}

	if s.record != nil {
		uerr := o.store.UpdateRun(s.id, func(r *store.Run) error {
			r.FinishedAt = time.Now()
			r.Steps = o.runner.Snapshot()
			r.Error = stepErr
			r.Status = store.RunSuccess
			if err != nil {
				r.Status = store.RunFailed
			}
			r.FirmwareName = s.record.FirmwareName
			r.FirmwareDigest = s.record.FirmwareDigest
			r.Artifact = s.record.Artifact
			return nil
		})
		if uerr != nil {
			o.logger.Warn("update run", "workflow_id", s.id, "err", uerr)
		}
	}

	elapsed := time.Since(s.started).Round(time.Millisecond)
	if err != nil {
		o.logger.Error("workflow failed", "workflow", s.workflow, "workflow_id", s.id, "duration", elapsed, "err", err)
	} else {
		o.logger.Info("workflow finished", "workflow", s.workflow, "workflow_id", s.id, "duration", elapsed)
	}
	o.mu.Lock()
	o.state = State{}
	o.mu.Unlock()

	o.events.Emit(Event{Type: EventWorkflowFinished, Data: WorkflowFinished{
		ID: s.id, Workflow: s.workflow, Success: err == nil, Error: stepErr, Duration: elapsed.String(),
	}})
	return err
}

func (s *session) noteFirmware(name string, data []byte) {
	if s.record == nil {
		return
	}
	s.record.FirmwareName = name
	s.record.FirmwareDigest = digest.FromBytes(data)
}

// saveArtifact keeps a dump on disk when an artifact dir is configured.
// Failures are logged; the dump is still returned to the caller.
func (s *session) saveArtifact(kind string, data []byte) {
	if s.o.artifactDir == "" {
		return
	}
	a, err := artifact.Save(s.o.artifactDir, kind, data)
	if err != nil {
		s.o.logger.Warn("save artifact", "kind", kind, "err", err)
		return
	}
	s.o.logger.Info("artifact saved", "kind", kind, "path", a.Path, "digest", a.Digest)
	if s.record != nil {
		s.record.Artifact = a.Path
	}
}

func (s *session) connect(ctx context.Context, i int) error {
	conn, err := steps.Do(s.o.runner, i, func(func(int, int)) (device.Connection, error) {
		return s.o.link.Connect(ctx)
	})
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *session) disconnect(ctx context.Context, i int, skipReset bool) error {
	return s.o.runner.Run(i, func(func(int, int)) error {
		conn := s.conn
		s.conn = nil
		return conn.Disconnect(ctx, device.DisconnectOptions{SkipReset: skipReset})
	})
}

func (s *session) readOtadata(ctx context.Context, i int) (*otadata.Image, error) {
	return steps.Do(s.o.runner, i, func(report func(int, int)) (*otadata.Image, error) {
		raw, err := s.conn.ReadOtadata(ctx, report)
		if err != nil {
			return nil, err
		}
		return otadata.Parse(raw)
	})
}

func (s *session) readFile(i int, file FileFunc) ([]byte, error) {
	return steps.Do(s.o.runner, i, func(func(int, int)) ([]byte, error) {
		if file == nil {
			return nil, ErrMissingInput
		}
		data, name, err := file()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, ErrMissingInput
		}
		s.noteFirmware(name, data)
		return data, nil
	})
}

// writeOtadata backs up the current otadata, points it at target and writes
// it back.
func (s *session) writeOtadata(ctx context.Context, i int, img *otadata.Image, target otadata.Label) error {
	return s.o.runner.Run(i, func(report func(int, int)) error {
		if err := s.backupOtadata(img); err != nil {
			return err
		}
		if _, err := img.SetBootPartition(target); err != nil {
			return err
		}
		return s.conn.WriteOtadata(ctx, img, report)
	})
}

func (s *session) backupOtadata(img *otadata.Image) error {
	if s.o.store == nil {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("flasher: backup id: %w", err)
	}
	data := img.Clone().Bytes()
	b := &store.OtadataBackup{
		ID:      id.String(),
		RunID:   s.id,
		TakenAt: time.Now(),
		Digest:  digest.FromBytes(data),
		Data:    data,
	}
	if l, ok := img.CurrentBootLabel(); ok {
		b.BootLabel = string(l)
	}
	if err := s.o.store.SaveBackup(b); err != nil {
		return fmt.Errorf("flasher: back up otadata: %w", err)
	}
	s.o.logger.Info("otadata backed up", "backup_id", b.ID, "digest", b.Digest, "boot", b.BootLabel)
	return nil
}
