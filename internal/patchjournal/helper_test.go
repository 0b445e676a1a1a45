package patchjournal

import (
	"os"
	"testing"
)

// tamperFile flips one byte in the middle of the file at path, simulating
// on-disk corruption or tampering for chain-verification tests.
func tamperFile(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if len(data) == 0 {
		t.Fatalf("%s is empty, cannot tamper", path)
	}
	mid := len(data) / 2
	data[mid] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
