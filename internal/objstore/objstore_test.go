package objstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	l := &Local{Dir: dir}

	loc, err := l.Upload(context.Background(), "exports/run.json", strings.NewReader(`{"ok":true}`), 11, "application/json")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if loc != filepath.Join(dir, "exports", "run.json") {
		t.Errorf("unexpected location %q", loc)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected content %q", data)
	}
}

func TestLocalUploadStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	l := &Local{Dir: dir}

	loc, err := l.Upload(context.Background(), "../../escape.json", strings.NewReader("x"), 1, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(loc, dir) {
		t.Errorf("upload escaped base dir: %q", loc)
	}
}
