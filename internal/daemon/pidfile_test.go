package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOwnerPIDFile(t *testing.T) {
	got := OwnerPIDFile("/tmp/cheappipe", "a/b")
	want := filepath.Join("/tmp/cheappipe", "a_b.pid")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestWriteAndCheckPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "orders.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile failed: %v", err)
	}

	pid, err := CheckPIDFile(path)
	if err != nil {
		t.Fatalf("CheckPIDFile failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}

	if err := RemoveOwnPIDFile(path); err != nil {
		t.Fatalf("RemoveOwnPIDFile failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected PID file to be removed")
	}

	pid, err = CheckPIDFile(path)
	if err != nil || pid != 0 {
		t.Errorf("expected (0, nil) without a file, got (%d, %v)", pid, err)
	}
}

func TestRemoveOwnPIDFile_KeepsOtherOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.pid")
	if err := os.WriteFile(path, []byte("1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RemoveOwnPIDFile(path); err != nil {
		t.Fatalf("RemoveOwnPIDFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("file naming another process must be kept")
	}
}

func TestCheckPIDFile_Stale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.pid")
	// PIDs this large are never allocated.
	if err := os.WriteFile(path, []byte("99999999\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := CheckPIDFile(path)
	if !errors.Is(err, ErrStalePIDFile) {
		t.Errorf("expected ErrStalePIDFile, got %v", err)
	}
}

func TestReadPIDFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadPIDFile(path); err == nil {
		t.Error("expected an error for invalid content")
	}
	if _, err := ReadPIDFile(filepath.Join(t.TempDir(), "missing.pid")); !errors.Is(err, ErrNoPIDFile) {
		t.Errorf("expected ErrNoPIDFile, got %v", err)
	}
}
