package spawner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestSpawnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "ok.sh", "echo hello\nexit 0\n")

	res := Spawn(context.Background(), Request{ExecutablePath: path, Dir: dir}, nil)
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", res.ExitCode, res.Stderr)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", res.Stdout)
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "fail.sh", "echo oops 1>&2\nexit 3\n")

	res := Spawn(context.Background(), Request{ExecutablePath: path, Dir: dir}, nil)
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("expected stderr %q, got %q", "oops\n", res.Stderr)
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	res := Spawn(context.Background(), Request{ExecutablePath: "/nonexistent/path/does-not-exist.sh"}, nil)
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1 for missing executable, got %d", res.ExitCode)
	}
	if res.Stderr == "" {
		t.Error("expected a process error message in stderr")
	}
}

func TestSpawnRejectsNonExecutableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-executable.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res := Spawn(context.Background(), Request{ExecutablePath: path, Dir: dir}, nil)
	if res.ExitCode != 1 {
		t.Fatalf("expected exit code 1 for non-executable file, got %d", res.ExitCode)
	}
}

func TestSpawnTruncatesOutput(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "noisy.sh", "for i in $(seq 1 2000); do echo line$i; done\nexit 0\n")

	res := Spawn(context.Background(), Request{ExecutablePath: path, Dir: dir, MaxLogCapture: 100}, nil)
	if !res.StdoutTruncated {
		t.Fatal("expected stdout to be marked truncated")
	}
	if len(res.Stdout) <= 100 {
		t.Error("expected truncation marker appended to captured output")
	}
}

func TestSpawnInvokesOnStart(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "ok.sh", "exit 0\n")

	var pid int
	Spawn(context.Background(), Request{ExecutablePath: path, Dir: dir}, func(p *os.Process) {
		pid = p.Pid
	})
	if pid == 0 {
		t.Error("expected onStart to be called with a live process")
	}
}

func TestSanitizeEnvDropsDisallowedKeys(t *testing.T) {
	in := map[string]string{
		"MAXQ_RUN_ID":     "run-1",
		"PATH":            "/evil",
		"LD_PRELOAD":      "/evil.so",
		"LD_LIBRARY_PATH": "/evil",
		"DYLD_INSERT_LIBRARIES": "/evil.dylib",
		"lowercase":       "dropped-not-matching-pattern",
		"1BAD":            "dropped-leading-digit",
	}
	out := SanitizeEnv(in)
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 surviving key, got %+v", out)
	}
	if out["MAXQ_RUN_ID"] != "run-1" {
		t.Errorf("expected MAXQ_RUN_ID to survive, got %+v", out)
	}
}
