package feed

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestQuarantine_EmptyDstDirErrors(t *testing.T) {
	if _, err := Quarantine("x", "", nil); err == nil {
		t.Fatalf("expected error for empty dstDir")
	}
}

func TestQuarantine_WritesErrorNote(t *testing.T) {
	tmp := t.TempDir()
	srcPath := writeFile(t, filepath.Join(tmp, "in", "feed.zip"), "broken")
	dstDir := filepath.Join(tmp, "errors")

	dstPath, err := Quarantine(srcPath, dstDir, errors.New("zip: not a valid zip file"))
	if err != nil {
		t.Fatal(err)
	}
	if dstPath != filepath.Join(dstDir, "feed.zip") {
		t.Fatalf("unexpected destination %q", dstPath)
	}
	note, err := os.ReadFile(dstPath + ".error.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(note), "not a valid zip file") {
		t.Fatalf("note does not carry the cause: %q", note)
	}
}

func TestQuarantine_AvoidsNameCollision(t *testing.T) {
	tmp := t.TempDir()
	dstDir := filepath.Join(tmp, "dst")

	// Prepare an existing file in dst with the same base name.
	base := "motorol.csv"
	writeFile(t, filepath.Join(dstDir, base), "existing")

	// Move a different source file with the same base name.
	srcPath := writeFile(t, filepath.Join(tmp, "src", base), "payload")

	dstPath, err := Quarantine(srcPath, dstDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dstPath) == base {
		t.Fatalf("expected collision-avoiding filename, got %q", dstPath)
	}
	if !strings.HasPrefix(filepath.Base(dstPath), strings.TrimSuffix(base, filepath.Ext(base))+"-") {
		t.Fatalf("expected collision-avoiding suffix, got %q", dstPath)
	}

	if _, err := os.Stat(srcPath); err == nil {
		t.Fatalf("expected source removed: %s", srcPath)
	}
	b, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "payload" {
		t.Fatalf("unexpected content: %q", string(b))
	}
	if _, err := os.Stat(dstPath + ".error.txt"); err == nil {
		t.Fatalf("no note expected without a cause")
	}
}
