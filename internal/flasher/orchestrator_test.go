package flasher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"xteink-flasher/internal/device"
	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/remote"
	"xteink-flasher/internal/steps"
	"xteink-flasher/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn keeps partitions in memory and records every call.
type fakeConn struct {
	mu       sync.Mutex
	otadata  []byte
	apps     map[otadata.Label][]byte
	flash    []byte
	calls    []string
	chunks   int
	failOn   string
	blockOn  string
	release  chan struct{}
	resetted bool
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		otadata: make([]byte, 0x2000),
		apps: map[otadata.Label][]byte{
			otadata.App0: make([]byte, 0x40000),
			otadata.App1: make([]byte, 0x40000),
		},
		flash: bytes.Repeat([]byte{0xAB}, 0x1000),
	}
}

func (c *fakeConn) call(name string) error {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	block := c.blockOn == name
	fail := c.failOn == name
	c.mu.Unlock()
	if block {
		<-c.release
	}
	if fail {
		return device.IOError(name, errors.New("port vanished"))
	}
	return nil
}

func (c *fakeConn) Layout() device.Layout { return device.DefaultLayout() }

func (c *fakeConn) Disconnect(_ context.Context, opts device.DisconnectOptions) error {
	if err := c.call("disconnect"); err != nil {
		return err
	}
	c.closed = true
	c.resetted = !opts.SkipReset
	return nil
}

func (c *fakeConn) ReadOtadata(_ context.Context, progress device.ProgressFunc) ([]byte, error) {
	if err := c.call("read-otadata"); err != nil {
		return nil, err
	}
	progress(len(c.otadata), len(c.otadata))
	return append([]byte(nil), c.otadata...), nil
}

func (c *fakeConn) WriteOtadata(_ context.Context, img *otadata.Image, progress device.ProgressFunc) error {
	if err := c.call("write-otadata"); err != nil {
		return err
	}
	c.otadata = append([]byte(nil), img.Bytes()...)
	progress(len(c.otadata), len(c.otadata))
	return nil
}

func (c *fakeConn) ReadAppPartition(_ context.Context, l otadata.Label, progress device.ProgressFunc) ([]byte, error) {
	if err := c.call("read-" + string(l)); err != nil {
		return nil, err
	}
	progress(len(c.apps[l]), len(c.apps[l]))
	return append([]byte(nil), c.apps[l]...), nil
}

func (c *fakeConn) WriteAppPartition(_ context.Context, l otadata.Label, data []byte, progress device.ProgressFunc) error {
	if err := c.call("write-" + string(l)); err != nil {
		return err
	}
	c.apps[l] = append([]byte(nil), data...)
	progress(len(data), len(data))
	return nil
}

func (c *fakeConn) ReadAppPartitionChunk(_ context.Context, l otadata.Label, offset, size int, progress device.ProgressFunc) ([]byte, error) {
	if err := c.call("chunk-" + string(l)); err != nil {
		return nil, err
	}
	c.chunks++
	app := c.apps[l]
	if offset >= len(app) {
		return nil, nil
	}
	end := min(len(app), offset+size)
	progress(end-offset, size)
	return append([]byte(nil), app[offset:end]...), nil
}

func (c *fakeConn) ReadFullFlash(_ context.Context, progress device.ProgressFunc) ([]byte, error) {
	if err := c.call("read-flash"); err != nil {
		return nil, err
	}
	progress(len(c.flash), len(c.flash))
	return append([]byte(nil), c.flash...), nil
}

func (c *fakeConn) WriteFullFlash(_ context.Context, data []byte, progress device.ProgressFunc) error {
	if err := c.call("write-flash"); err != nil {
		return err
	}
	c.flash = append([]byte(nil), data...)
	progress(len(data), len(data))
	return nil
}

type fakeLink struct {
	conn *fakeConn
	err  error
}

func (l *fakeLink) Connect(context.Context) (device.Connection, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.conn.closed = false
	return l.conn, nil
}

type fakeSource struct {
	official  map[string][]byte
	community map[string][]byte
}

func (s *fakeSource) FetchOfficial(_ context.Context, region string) ([]byte, error) {
	if fw, ok := s.official[region]; ok {
		return fw, nil
	}
	return nil, remote.ErrUnsupportedFirmware
}

func (s *fakeSource) FetchCommunity(_ context.Context, name string) ([]byte, error) {
	if fw, ok := s.community[name]; ok {
		return fw, nil
	}
	return nil, remote.ErrAssetNotFound
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	src := &fakeSource{
		official:  map[string][]byte{"en": []byte("official-en-image")},
		community: map[string][]byte{"crosspoint": []byte("CrossPoint-ESP32-0.9.0")},
	}
	return New(&fakeLink{conn: conn}, src, testLogger(), opts...), conn
}

func stepNames(ss []steps.Step) []string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.Name
	}
	return names
}

func assertStatuses(t *testing.T, ss []steps.Step, want ...steps.Status) {
	t.Helper()
	if len(ss) != len(want) {
		t.Fatalf("got %d steps, want %d", len(ss), len(want))
	}
	for i, s := range ss {
		if s.Status != want[i] {
			t.Errorf("step %d (%s) = %s, want %s", i, s.Name, s.Status, want[i])
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bootLabel(t *testing.T, raw []byte) otadata.Label {
	t.Helper()
	img, err := otadata.Parse(append([]byte(nil), raw...))
	if err != nil {
		t.Fatal(err)
	}
	l, ok := img.CurrentBootLabel()
	if !ok {
		t.Fatal("no boot partition")
	}
	return l
}

func TestFlashOfficialEmptyDevice(t *testing.T) {
	o, conn := newTestOrchestrator(t)

	if err := o.FlashOfficial(context.Background(), "en"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"Connect to device", "Download firmware", "Read otadata partition",
		"Flash app partition (app1)", "Flash otadata partition", "Reset device",
	}
	if got := stepNames(o.Steps()); !equalStrings(got, want) {
		t.Errorf("steps = %q", got)
	}
	assertStatuses(t, o.Steps(), steps.StatusSuccess, steps.StatusSuccess, steps.StatusSuccess,
		steps.StatusSuccess, steps.StatusSuccess, steps.StatusSuccess)

	if string(conn.apps[otadata.App1]) != "official-en-image" {
		t.Error("firmware not written to app1")
	}
	if got := bootLabel(t, conn.otadata); got != otadata.App1 {
		t.Errorf("boot = %s, want app1", got)
	}
	if !conn.closed || !conn.resetted {
		t.Error("device not reset after flashing")
	}
	if o.State().Running {
		t.Error("still running")
	}
}

func TestFlashCommunityTargetsBackupSlot(t *testing.T) {
	o, conn := newTestOrchestrator(t)
	img, _ := otadata.Parse(conn.otadata)
	if _, err := img.SetBootPartition(otadata.App1); err != nil {
		t.Fatal(err)
	}
	conn.otadata = img.Bytes()

	if err := o.FlashCommunity(context.Background(), "crosspoint"); err != nil {
		t.Fatal(err)
	}
	if got := o.Steps()[3].Name; got != "Flash app partition (app0)" {
		t.Errorf("flash step = %q", got)
	}
	if string(conn.apps[otadata.App0]) != "CrossPoint-ESP32-0.9.0" {
		t.Error("firmware not written to app0")
	}
	if got := bootLabel(t, conn.otadata); got != otadata.App0 {
		t.Errorf("boot = %s, want app0", got)
	}
}

func TestFlashRemoteAssetNotFound(t *testing.T) {
	o, conn := newTestOrchestrator(t)

	err := o.FlashCommunity(context.Background(), "papyrix")
	if !errors.Is(err, remote.ErrAssetNotFound) {
		t.Fatalf("err = %v", err)
	}
	ss := o.Steps()
	assertStatuses(t, ss, steps.StatusSuccess, steps.StatusFailed, steps.StatusPending,
		steps.StatusPending, steps.StatusPending, steps.StatusPending)
	if ss[1].Error == nil || ss[1].Error.Kind != KindAssetNotFound {
		t.Errorf("error = %+v", ss[1].Error)
	}
	if ss[3].Name != "Flash app partition" {
		t.Errorf("unreached step renamed to %q", ss[3].Name)
	}
	// released without reset
	if !conn.closed || conn.resetted {
		t.Errorf("closed=%v resetted=%v", conn.closed, conn.resetted)
	}
}

func TestFlashRemoteWithoutSource(t *testing.T) {
	conn := newFakeConn()
	o := New(&fakeLink{conn: conn}, nil, testLogger())

	err := o.FlashOfficial(context.Background(), "en")
	if !errors.Is(err, errNoSource) {
		t.Fatalf("err = %v", err)
	}
	ss := o.Steps()
	assertStatuses(t, ss, steps.StatusSuccess, steps.StatusFailed, steps.StatusPending,
		steps.StatusPending, steps.StatusPending, steps.StatusPending)
	if ss[1].Name != "Download firmware" || ss[1].Error == nil || ss[1].Error.Message != errNoSource.Error() {
		t.Errorf("download step = %+v", ss[1])
	}
	if !conn.closed || conn.resetted {
		t.Errorf("closed=%v resetted=%v", conn.closed, conn.resetted)
	}
}

func TestFlashCustomMissingFile(t *testing.T) {
	o, conn := newTestOrchestrator(t)

	err := o.FlashCustom(context.Background(), func() ([]byte, string, error) { return nil, "", nil })
	if !errors.Is(err, ErrMissingInput) {
		t.Fatalf("err = %v", err)
	}
	ss := o.Steps()
	if ss[0].Name != "Read file" || ss[0].Error == nil || ss[0].Error.Kind != KindMissingInput {
		t.Errorf("step 0 = %+v", ss[0])
	}
	if len(conn.calls) != 0 {
		t.Errorf("device touched: %v", conn.calls)
	}

	if err := o.FlashCustom(context.Background(), nil); !errors.Is(err, ErrMissingInput) {
		t.Errorf("nil file: %v", err)
	}
}

func TestFlashCustomDeviceFailure(t *testing.T) {
	o, conn := newTestOrchestrator(t)
	conn.failOn = "write-app1"

	err := o.FlashCustom(context.Background(), func() ([]byte, string, error) {
		return []byte("custom"), "custom.bin", nil
	})
	if !errors.Is(err, device.ErrIO) {
		t.Fatalf("err = %v", err)
	}
	ss := o.Steps()
	assertStatuses(t, ss, steps.StatusSuccess, steps.StatusSuccess, steps.StatusSuccess,
		steps.StatusFailed, steps.StatusPending, steps.StatusPending)
	if ss[3].Error.Kind != KindDeviceIO {
		t.Errorf("kind = %s", ss[3].Error.Kind)
	}
	for _, c := range conn.calls {
		if c == "write-otadata" {
			t.Error("otadata written after failed app flash")
		}
	}
}

func TestSaveAndWriteFullFlash(t *testing.T) {
	dir := t.TempDir()
	o, conn := newTestOrchestrator(t, WithArtifactDir(dir))

	data, err := o.SaveFullFlash(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, conn.flash) {
		t.Error("dump differs from flash")
	}
	if conn.resetted {
		t.Error("read reset the device")
	}
	if got := stepNames(o.Steps()); !equalStrings(got, []string{"Connect to device", "Read flash", "Disconnect from device"}) {
		t.Errorf("steps = %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "flash-*.bin"))
	if len(matches) != 1 {
		t.Errorf("artifacts = %v", matches)
	}

	restore := bytes.Repeat([]byte{0x5A}, 0x800)
	err = o.WriteFullFlash(context.Background(), func() ([]byte, string, error) { return restore, "backup.bin", nil })
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(conn.flash, restore) || !conn.resetted {
		t.Error("flash not restored with reset")
	}
	if got := stepNames(o.Steps()); !equalStrings(got, []string{"Read file", "Connect to device", "Write flash", "Reset device"}) {
		t.Errorf("steps = %q", got)
	}
}

func TestReadOtadataAndApp(t *testing.T) {
	o, conn := newTestOrchestrator(t)
	conn.apps[otadata.App0][0] = 0xE9

	img, err := o.ReadOtadata(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.CurrentBootPartition(); ok {
		t.Error("empty otadata reported a boot partition")
	}
	if conn.resetted {
		t.Error("read reset the device")
	}

	data, err := o.ReadAppPartition(context.Background(), otadata.App0)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 0xE9 || len(data) != 0x40000 {
		t.Error("wrong app data")
	}
	if got := o.Steps()[1].Name; got != "Read app partition (app0)" {
		t.Errorf("step = %q", got)
	}

	if _, err := o.ReadAppPartition(context.Background(), "app2"); !errors.Is(err, otadata.ErrUnknownLabel) {
		t.Errorf("err = %v", err)
	}
}

func TestReadOtadataInvalidState(t *testing.T) {
	o, conn := newTestOrchestrator(t)
	conn.otadata[0x18] = 0x07

	_, err := o.ReadOtadata(context.Background())
	if !errors.Is(err, otadata.ErrInvalidStateEncoding) {
		t.Fatalf("err = %v", err)
	}
	if k := o.Steps()[1].Error.Kind; k != KindInvalidStateEncoding {
		t.Errorf("kind = %s", k)
	}
}

func TestSwapBootBacksUpOtadata(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "flasher.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	o, conn := newTestOrchestrator(t, WithStore(db))
	before := append([]byte(nil), conn.otadata...)

	img, err := o.SwapBootPartition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l, _ := img.CurrentBootLabel(); l != otadata.App1 {
		t.Errorf("boot = %s, want app1", l)
	}
	if got := bootLabel(t, conn.otadata); got != otadata.App1 {
		t.Errorf("device boot = %s", got)
	}

	backups, err := db.ListBackups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 || !bytes.Equal(backups[0].Data, before) {
		t.Fatalf("backups = %d", len(backups))
	}

	runs, err := db.ListRuns(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != store.RunSuccess || runs[0].Workflow != string(WorkflowSwapBoot) {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ID != backups[0].RunID {
		t.Error("backup not linked to run")
	}
	if len(runs[0].Steps) != 4 || runs[0].FinishedAt.IsZero() {
		t.Errorf("run = %+v", runs[0])
	}

	// swapping again goes back to app0
	if _, err := o.SwapBootPartition(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := bootLabel(t, conn.otadata); got != otadata.App0 {
		t.Errorf("boot after second swap = %s", got)
	}
}

func TestFailedRunIsRecorded(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "flasher.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	o, conn := newTestOrchestrator(t, WithStore(db))
	conn.failOn = "read-otadata"

	if _, err := o.SwapBootPartition(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	runs, _ := db.ListRuns(0)
	if len(runs) != 1 || runs[0].Status != store.RunFailed {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Error == nil || runs[0].Error.Kind != KindDeviceIO {
		t.Errorf("error = %+v", runs[0].Error)
	}
}

func TestConnectFailure(t *testing.T) {
	link := &fakeLink{err: device.IOError("connect", errors.New("no such port"))}
	o := New(link, nil, testLogger())

	_, err := o.ReadOtadata(context.Background())
	if !errors.Is(err, device.ErrIO) {
		t.Fatalf("err = %v", err)
	}
	assertStatuses(t, o.Steps(), steps.StatusFailed, steps.StatusPending, steps.StatusPending)
}

func TestBusy(t *testing.T) {
	o, conn := newTestOrchestrator(t)
	conn.blockOn = "read-flash"
	conn.release = make(chan struct{})

	started := make(chan struct{})
	var once sync.Once
	o.Events().On(EventStepUpdate, func(e Event) {
		u := e.Data.(StepUpdate)
		if u.Index == 1 && u.Step.Status == steps.StatusRunning {
			once.Do(func() { close(started) })
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := o.SaveFullFlash(context.Background())
		done <- err
	}()
	<-started

	st := o.State()
	if !st.Running || st.Workflow != WorkflowSaveFullFlash || st.WorkflowID == "" {
		t.Errorf("state = %+v", st)
	}
	if _, err := o.ReadOtadata(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}

	close(conn.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if o.State().Running {
		t.Error("state not reset")
	}
}

func TestCanceledKind(t *testing.T) {
	if k := ErrorKind(context.Canceled); k != KindCanceled {
		t.Errorf("kind = %s", k)
	}
	if k := ErrorKind(errors.New("x")); k != KindError {
		t.Errorf("kind = %s", k)
	}
	if k := ErrorKind(remote.ErrUnsupportedFirmware); k != KindUnsupportedFirmware {
		t.Errorf("kind = %s", k)
	}
}

func TestEventsOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	var (
		mu    sync.Mutex
		types []string
	)
	o.Events().OnAll(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	if _, err := o.ReadOtadata(context.Background()); err != nil {
		t.Fatal(err)
	}
	if types[0] != EventWorkflowStarted || types[len(types)-1] != EventWorkflowFinished {
		t.Errorf("events = %v", types)
	}
	for _, typ := range types[1 : len(types)-1] {
		if typ != EventStepUpdate {
			t.Errorf("unexpected %s in the middle", typ)
		}
	}
}
