package steps

import (
	"errors"
	"testing"
)

func TestRunFailFast(t *testing.T) {
	r := NewRunner(WithErrorKind(func(error) string { return "DeviceIoError" }))
	r.Declare("one", "two", "three", "four")

	boom := errors.New("port closed")
	run := func() error {
		if err := r.Run(0, func(func(int, int)) error { return nil }); err != nil {
			return err
		}
		if err := r.Run(1, func(func(int, int)) error { return boom }); err != nil {
			return err
		}
		if err := r.Run(2, func(func(int, int)) error { return nil }); err != nil {
			return err
		}
		return r.Run(3, func(func(int, int)) error { return nil })
	}

	if err := run(); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	got := r.Snapshot()
	want := []Status{StatusSuccess, StatusFailed, StatusPending, StatusPending}
	for i, s := range got {
		if s.Status != want[i] {
			t.Errorf("step %d status = %s, want %s", i, s.Status, want[i])
		}
	}
	if got[1].Error == nil {
		t.Fatal("failed step has no error")
	}
	if got[1].Error.Kind != "DeviceIoError" || got[1].Error.Message != "port closed" {
		t.Errorf("error = %+v", got[1].Error)
	}
	if got[2].Error != nil || got[3].Error != nil {
		t.Error("pending steps carry errors")
	}

	failed, ok := r.Failed()
	if !ok || failed.Name != "two" {
		t.Errorf("Failed() = %+v, %v", failed, ok)
	}
}

func TestDoReturnsValue(t *testing.T) {
	r := NewRunner()
	r.Declare("read")
	v, err := Do(r, 0, func(report func(int, int)) ([]byte, error) {
		report(1, 2)
		report(2, 2)
		return []byte{1, 2, 3}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 3 {
		t.Errorf("len = %d, want 3", len(v))
	}
	s := r.Snapshot()[0]
	if s.Status != StatusSuccess {
		t.Errorf("status = %s", s.Status)
	}
	if s.Progress == nil || s.Progress.Current != 2 || s.Progress.Total != 2 {
		t.Errorf("progress = %+v", s.Progress)
	}
}

func TestDeclareResets(t *testing.T) {
	r := NewRunner()
	r.Declare("a")
	_ = r.Run(0, func(report func(int, int)) error {
		report(5, 10)
		return errors.New("x")
	})
	r.Declare("b", "c")

	got := r.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, s := range got {
		if s.Status != StatusPending || s.Progress != nil || s.Error != nil {
			t.Errorf("step not reset: %+v", s)
		}
	}
}

func TestRenameByIndex(t *testing.T) {
	r := NewRunner()
	r.Declare("Flash app partition", "Flash app partition")
	r.Rename(0, "Flash app partition (app1)")

	got := r.Snapshot()
	if got[0].Name != "Flash app partition (app1)" {
		t.Errorf("step 0 = %q", got[0].Name)
	}
	if got[1].Name != "Flash app partition" {
		t.Errorf("step 1 renamed too: %q", got[1].Name)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	var seen []Status
	r := NewRunner(WithObserver(func(u Update) {
		if u.Index == 0 {
			seen = append(seen, u.Step.Status)
		}
	}))
	r.Declare("only")
	_ = r.Run(0, func(report func(int, int)) error {
		report(1, 1)
		return nil
	})

	want := []Status{StatusPending, StatusRunning, StatusRunning, StatusSuccess}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("update %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRunUnknownIndex(t *testing.T) {
	r := NewRunner()
	r.Declare("a")
	called := false
	err := r.Run(3, func(func(int, int)) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("action ran for unknown step")
	}
	r.ReportProgress(7, 1, 1) // ignored
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewRunner()
	r.Declare("a")
	r.ReportProgress(0, 1, 4)
	snap := r.Snapshot()
	snap[0].Progress.Current = 99
	if got := r.Snapshot()[0].Progress.Current; got != 1 {
		t.Errorf("internal progress mutated: %d", got)
	}
}
