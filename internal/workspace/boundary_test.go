package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBoundary_Contains(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	b, err := New([]string{root}, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"root itself", root, true},
		{"child", filepath.Join(root, "a", "b"), true},
		{"dotdot escape", filepath.Join(root, "..", filepath.Base(other)), false},
		{"sibling with shared prefix", root + "-evil", false},
		{"other dir", other, false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Contains(tt.path); got != tt.want {
				t.Errorf("Contains(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestBoundary_Nil(t *testing.T) {
	var b *Boundary
	if b.Contains("/tmp") {
		t.Error("nil boundary should contain nothing")
	}
	if b.Trusted() {
		t.Error("nil boundary should not be trusted")
	}
	if b.Roots() != nil {
		t.Error("nil boundary should have no roots")
	}
}

func TestBoundary_CheckListsRoots(t *testing.T) {
	root := t.TempDir()
	b, err := New([]string{root, "", "  "}, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := len(b.Roots()); got != 1 {
		t.Fatalf("len(Roots()) = %d, want 1", got)
	}

	err = b.Check(os.TempDir())
	if !errors.Is(err, ErrOutsideWorkspace) {
		t.Fatalf("err = %v, want ErrOutsideWorkspace", err)
	}
	if !strings.Contains(err.Error(), root) {
		t.Errorf("error %q does not list root %q", err, root)
	}
}

func TestBoundary_WorkingDir(t *testing.T) {
	root := t.TempDir()
	b, _ := New([]string{root}, true)

	dir, err := b.WorkingDir("/somewhere/else")
	if err != nil {
		t.Fatalf("WorkingDir: %v", err)
	}
	if dir != root {
		t.Errorf("WorkingDir = %q, want first root %q", dir, root)
	}
}

func TestBoundary_WorkingDirFallbackOutside(t *testing.T) {
	b, _ := New(nil, true)
	if _, err := b.WorkingDir(t.TempDir()); !errors.Is(err, ErrOutsideWorkspace) {
		t.Errorf("err = %v, want ErrOutsideWorkspace", err)
	}
	if _, err := b.WorkingDir(""); !errors.Is(err, ErrOutsideWorkspace) {
		t.Errorf("empty fallback err = %v, want ErrOutsideWorkspace", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/work", filepath.Join(home, "work")},
		{"/abs", "/abs"},
		{"~other", "~other"},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
