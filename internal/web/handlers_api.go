package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"xteink-flasher/internal/artifact"
	"xteink-flasher/internal/firmware"
	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/steps"
	"xteink-flasher/internal/store"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// maxUploadSize bounds firmware and full-flash uploads; the X4 carries 16 MiB.
const maxUploadSize = 32 << 20

type stateResponse struct {
	flasher.State
	Steps []steps.Step `json:"steps"`
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, stateResponse{State: s.fl.State(), Steps: s.fl.Steps()})
}

func (s *Server) handleAPISteps(w http.ResponseWriter, r *http.Request) {
	st := s.fl.Steps()
	if st == nil {
		st = []steps.Step{}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAPIListRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSON(w, http.StatusOK, []*store.Run{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	runs, err := s.db.ListRuns(limit)
	if err != nil {
		s.logger.Error("list runs", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIGetRun(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	run, err := s.db.GetRun(r.PathValue("id"))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("get run", "err", err)
		}
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// backupView is an otadata backup without its payload.
type backupView struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	TakenAt   time.Time `json:"taken_at"`
	Digest    string    `json:"digest"`
	BootLabel string    `json:"boot_label,omitempty"`
	Size      int       `json:"size"`
}

func (s *Server) handleAPIListBackups(w http.ResponseWriter, r *http.Request) {
	views := []backupView{}
	if s.db == nil {
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	backups, err := s.db.ListBackups()
	if err != nil {
		s.logger.Error("list backups", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	for _, b := range backups {
		views = append(views, backupView{
			ID:        b.ID,
			RunID:     b.RunID,
			TakenAt:   b.TakenAt,
			Digest:    b.Digest.String(),
			BootLabel: b.BootLabel,
			Size:      len(b.Data),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

// handleAPIGetBackup returns the raw otadata partition, ready to be written
// back with a full-flash tool.
func (s *Server) handleAPIGetBackup(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	b, err := s.db.GetBackup(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="otadata-%s.bin"`, b.ID))
	w.Header().Set("Digest", b.Digest.String())
	if _, err := w.Write(b.Data); err != nil {
		s.logger.Debug("write backup response", "id", b.ID, "err", err)
	}
}

type artifactView struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Size int    `json:"size"`
}

func (s *Server) handleAPIListArtifacts(w http.ResponseWriter, r *http.Request) {
	views := []artifactView{}
	if s.artifactDir == "" {
		s.writeJSON(w, http.StatusOK, views)
		return
	}
	list, err := artifact.List(s.artifactDir)
	if err != nil {
		s.logger.Error("list artifacts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	for _, a := range list {
		views = append(views, artifactView{Name: filepath.Base(a.Path), Kind: a.Kind, Size: a.Size})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifactDir == "" {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	name := r.PathValue("name")
	f, err := artifact.Open(s.artifactDir, name)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

func (s *Server) handleAPIIdentify(w http.ResponseWriter, r *http.Request) {
	res, err := s.fl.IdentifyAll(r.Context())
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type otadataResponse struct {
	Boot       otadata.Label     `json:"boot,omitempty"`
	Backup     otadata.Label     `json:"backup"`
	Partitions [2]otadata.Record `json:"partitions"`
}

func newOtadataResponse(img *otadata.Image) otadataResponse {
	resp := otadataResponse{Backup: img.CurrentBackupLabel(), Partitions: img.Partitions()}
	if l, ok := img.CurrentBootLabel(); ok {
		resp.Boot = l
	}
	return resp
}

func (s *Server) handleAPIReadOtadata(w http.ResponseWriter, r *http.Request) {
	img, err := s.fl.ReadOtadata(r.Context())
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOtadataResponse(img))
}

func (s *Server) handleAPISwapBoot(w http.ResponseWriter, r *http.Request) {
	img, err := s.fl.SwapBootPartition(r.Context())
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newOtadataResponse(img))
}

func (s *Server) handleAPIReadApp(w http.ResponseWriter, r *http.Request) {
	label, err := otadata.ParseLabel(r.PathValue("label"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.startWorkflow(w, flasher.WorkflowReadApp, func(ctx context.Context) error {
		data, err := s.fl.ReadAppPartition(ctx, label)
		if err == nil {
			s.logger.Info("app partition read", "label", label, "size", len(data), "firmware", firmware.Identify(data).DisplayName)
		}
		return err
	})
}

func (s *Server) handleAPIFlashOfficial(w http.ResponseWriter, r *http.Request) {
	region := r.PathValue("region")
	s.startWorkflow(w, flasher.WorkflowFlashOfficial, func(ctx context.Context) error {
		return s.fl.FlashOfficial(ctx, region)
	})
}

func (s *Server) handleAPIFlashCommunity(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.startWorkflow(w, flasher.WorkflowFlashCommunity, func(ctx context.Context) error {
		return s.fl.FlashCommunity(ctx, name)
	})
}

func (s *Server) handleAPIFlashFile(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	s.startWorkflow(w, flasher.WorkflowFlashCustom, func(ctx context.Context) error {
		return s.fl.FlashCustom(ctx, uploadFile(data, name))
	})
}

func (s *Server) handleAPISaveFlash(w http.ResponseWriter, r *http.Request) {
	s.startWorkflow(w, flasher.WorkflowSaveFullFlash, func(ctx context.Context) error {
		_, err := s.fl.SaveFullFlash(ctx)
		return err
	})
}

func (s *Server) handleAPIWriteFlash(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	s.startWorkflow(w, flasher.WorkflowWriteFullFlash, func(ctx context.Context) error {
		return s.fl.WriteFullFlash(ctx, uploadFile(data, name))
	})
}

// readUpload reads a raw application/octet-stream body. An empty body is
// passed on and fails the workflow's "Read file" step.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if !s.requireContentType(w, r, contentTypeBinary) {
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
		return nil, false
	}
	return data, true
}

func uploadFile(data []byte, name string) flasher.FileFunc {
	return func() ([]byte, string, error) {
		if len(data) == 0 {
			return nil, "", flasher.ErrMissingInput
		}
		if name == "" {
			name = "upload.bin"
		}
		return data, name, nil
	}
}

// startWorkflow runs fn in the background and answers 202. The orchestrator
// rejects concurrent workflows; the pre-check only spares the client a
// silent failure.
func (s *Server) startWorkflow(w http.ResponseWriter, wf flasher.Workflow, fn func(ctx context.Context) error) {
	if st := s.fl.State(); st.Running {
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":       flasher.ErrBusy.Error(),
			"workflow":    string(st.Workflow),
			"workflow_id": st.WorkflowID,
		})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("background workflow failed", "workflow", wf, "kind", flasher.ErrorKind(err), "err", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "workflow": string(wf)})
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	kind := flasher.ErrorKind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, flasher.ErrBusy):
		status = http.StatusConflict
	case kind == flasher.KindMissingInput, kind == flasher.KindUnsupportedFirmware:
		status = http.StatusBadRequest
	case kind == flasher.KindAssetNotFound:
		status = http.StatusNotFound
	case kind == flasher.KindDeviceIO:
		status = http.StatusBadGateway
	case kind == flasher.KindCanceled:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
