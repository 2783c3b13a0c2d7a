package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestStatExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Size() != 1 {
		t.Errorf("Size() = %d, want 1", info.Size())
	}
}

func TestStatMissingFileNoRetry(t *testing.T) {
	_, err := Stat(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestRetryRecoversFromStale(t *testing.T) {
	calls := 0
	v, err := retry("stat", "x", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, syscall.ESTALE
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("retry() error: %v", err)
	}
	if v != 42 || calls != 3 {
		t.Errorf("v = %d after %d calls, want 42 after 3", v, calls)
	}
}

func TestRetryGivesUpOnPersistentStale(t *testing.T) {
	calls := 0
	_, err := retry("open", "x", func() (int, error) {
		calls++
		return 0, syscall.ESTALE
	})
	if !errors.Is(err, syscall.ESTALE) {
		t.Errorf("err = %v, want ESTALE", err)
	}
	if calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, maxRetries+1)
	}
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	_, err := retry("stat", "x", func() (int, error) {
		calls++
		return 0, os.ErrPermission
	})
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("err = %v, want ErrPermission", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
