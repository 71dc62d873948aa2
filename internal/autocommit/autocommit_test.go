package autocommit

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "router@example.com"},
		{"config", "user.name", "Session Router"},
		{"config", "commit.gpgsign", "false"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}

func TestRelativePaths(t *testing.T) {
	c := New("/work/repo", 0, nil)
	got := c.relativePaths([]string{
		"/work/repo/b.go",
		"a.go",
		"/work/repo/a.go",
		"/etc/passwd",
		"../outside.go",
		"",
	})
	want := []string{"a.go", "b.go"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("relativePaths = %v, want %v", got, want)
	}
}

func TestCommitEditedFiles(t *testing.T) {
	dir := initRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "untouched.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(dir, 0, nil)
	hash, err := c.Commit(context.Background(), "conv-1", []string{filepath.Join(dir, "main.go")})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hash == "" {
		t.Fatal("expected a commit hash")
	}

	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	if strings.Contains(string(out), "main.go") {
		t.Fatalf("main.go should be committed, status:\n%s", out)
	}
	if !strings.Contains(string(out), "untouched.txt") {
		t.Fatalf("untouched.txt should stay uncommitted, status:\n%s", out)
	}

	again, err := c.Commit(context.Background(), "conv-1", []string{"main.go"})
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if again != "" {
		t.Fatalf("second Commit = %q, want no commit", again)
	}
}

func TestCommitNothing(t *testing.T) {
	c := New(t.TempDir(), 0, nil)
	hash, err := c.Commit(context.Background(), "conv-1", nil)
	if err != nil || hash != "" {
		t.Fatalf("Commit(nil) = %q, %v", hash, err)
	}
}

func TestCommitWaitsForIndexLock(t *testing.T) {
	dir := initRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(dir, ".git", "index.lock")
	if err := os.WriteFile(lock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.Remove(lock)
	}()

	c := New(dir, 0, nil)
	hash, err := c.Commit(context.Background(), "conv-1", []string{"a.txt"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hash == "" {
		t.Fatal("expected a commit once the lock was released")
	}
}
