package lock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It is re-executed by
// TestRegistry_CrossProcess to hold a lock from another process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	target := os.Getenv("LOCK_TARGET")
	r, err := NewRegistry()
	if err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		os.Exit(1)
	}
	lf, err := r.AcquireWithTimeout(context.Background(), target, 5*time.Second)
	if err != nil {
		fmt.Fprintln(os.Stdout, "error:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "locked")
	// Hold the lock until the parent closes stdin.
	_, _ = io.Copy(io.Discard, os.Stdin)
	lf.Close()
	os.Exit(0)
}

func TestRegistry_CrossProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping helper process test in short mode")
	}
	target := createFile(t, t.TempDir(), "file.txt")

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "LOCK_TARGET="+target)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start helper: %v", err)
	}
	defer func() {
		stdin.Close()
		_ = cmd.Wait()
	}()

	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read from helper: %v", err)
	}
	if line != "locked\n" {
		t.Fatalf("helper failed to lock: %q", line)
	}

	r := newTestRegistry(t)
	res, err := r.Probe(target)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !res.Locked || res.HeldByThisProcess {
		t.Errorf("expected lock held by another process, got %+v", res)
	}

	_, err = r.AcquireWithTimeout(context.Background(), target, 100*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while the helper holds the lock, got %v", err)
	}

	stdin.Close()
	if err := cmd.Wait(); err != nil {
		t.Fatalf("helper exited with error: %v", err)
	}

	lf, err := r.AcquireWithTimeout(context.Background(), target, testLockTimeout)
	if err != nil {
		t.Fatalf("Acquire after the helper exited failed: %v", err)
	}
	lf.Close()
	if exists(target + ".lock") {
		t.Error("lock file should be removed")
	}
}
