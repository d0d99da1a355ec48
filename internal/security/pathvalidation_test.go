package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "user-1", "segment-2")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	inside := filepath.Join(sub, "clip.wav")
	if err := os.WriteFile(inside, []byte("riff"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidatePathWithinDirectory(inside, root); err != nil {
		t.Errorf("path inside root rejected: %v", err)
	}

	// Not-yet-existing file under the root is fine too.
	if err := ValidatePathWithinDirectory(filepath.Join(sub, "new.wav"), root); err != nil {
		t.Errorf("new path inside root rejected: %v", err)
	}
}

func TestValidatePathTraversal(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	cases := []string{
		filepath.Join(root, "..", "etc", "passwd"),
		filepath.Join(root, "a", "..", "..", "b"),
		filepath.Join(outside, "clip.wav"),
		"/etc/passwd",
	}
	for _, p := range cases {
		if err := ValidatePathWithinDirectory(p, root); err == nil {
			t.Errorf("path %s should be rejected", p)
		}
	}
}

func TestValidatePathSymlinkedParent(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := ValidatePathWithinDirectory(filepath.Join(link, "clip.wav"), root); err == nil {
		t.Error("symlinked parent escaping the root should be rejected")
	}
}
