package util

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWalkTreeLexicalOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "a", "z.txt"), "z")
	writeFile(t, filepath.Join(root, "a", "y.txt"), "y")

	var files []string
	err := WalkTree(context.Background(), root, func(e Entry) error {
		if !e.IsDir {
			files = append(files, e.Rel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []string{"a/y.txt", "a/z.txt", "b.txt"}
	if len(files) != len(want) {
		t.Fatalf("unexpected files: %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("unexpected order: %v", files)
		}
	}
}

func TestCopyTreePreservesLayoutAndMtime(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "copy")
	writeFile(t, filepath.Join(src, "nested", "deep", "f.txt"), "hello")
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(src, "nested", "deep", "f.txt"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	n, err := CopyTree(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 5 {
		t.Fatalf("unexpected byte count: %d", n)
	}
	info, err := os.Stat(filepath.Join(dst, "nested", "deep", "f.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(old) {
		t.Fatalf("mtime not preserved: %v", info.ModTime())
	}
	if _, err := os.Stat(filepath.Join(dst, "empty")); err != nil {
		t.Fatalf("empty dir not copied: %v", err)
	}
}

func TestCopyTreeSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), ".env")
	writeFile(t, src, "APP_ENV=production")
	dst := filepath.Join(t.TempDir(), "config", ".env")

	if _, err := CopyTree(context.Background(), src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "APP_ENV=production" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestRemoveTreeIsIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "backup")
	writeFile(t, filepath.Join(root, "a", "b", "c.txt"), "c")
	writeFile(t, filepath.Join(root, "d.txt"), "d")

	if err := RemoveTree(context.Background(), root); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected root to be gone, got %v", err)
	}
	if err := RemoveTree(context.Background(), root); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestTreeSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "12345")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "123")

	size, err := TreeSize(context.Background(), root)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 8 {
		t.Fatalf("unexpected size: %d", size)
	}
}

func TestWalkTreeStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WalkTree(ctx, root, func(Entry) error { return nil })
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
