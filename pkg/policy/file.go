package policy

import (
	"fmt"
	"os"
	"path/filepath"
)

// policyFileName returns the on-disk name of the current policy document for
// a realm, lower-cased hex per the wire format.
func policyFileName(realmID uint64) string {
	return fmt.Sprintf("%x_policy.mime", realmID)
}

// readCurrentFile reads the current policy document, stabilizing against a
// concurrent writer by hard-linking the file to a private temp name before
// reading it. Returns (nil, nil) if no file exists yet.
func readCurrentFile(dir string, realmID uint64) ([]byte, error) {
	path := filepath.Join(dir, policyFileName(realmID))
	tmp := fmt.Sprintf("%s.%d.%d_r.tmp", path, os.Getpid(), randSuffix())

	if err := os.Link(path, tmp); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: link current file: %w", err)
	}
	defer os.Remove(tmp)

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("policy: read current file: %w", err)
	}
	return data, nil
}

// writeCurrentFile atomically replaces the current policy document: the body
// is written to a private temp name and renamed over the target, so readers
// never observe a partial write.
func writeCurrentFile(dir string, realmID uint64, body []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("policy: create storage dir: %w", err)
	}
	path := filepath.Join(dir, policyFileName(realmID))
	tmp := fmt.Sprintf("%s.%d.%d_w.tmp", path, os.Getpid(), randSuffix())

	if err := os.WriteFile(tmp, body, 0600); err != nil {
		return fmt.Errorf("policy: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("policy: rename temp file: %w", err)
	}
	return nil
}

// randSuffix returns a process-local counter-derived value suitable for
// disambiguating concurrent temp files from the same pid; it deliberately
// avoids math/rand so file.go has no global RNG state to seed.
var tmpCounter = make(chan int, 1)

func init() {
	tmpCounter <- 0
}

func randSuffix() int {
	n := <-tmpCounter
	tmpCounter <- n + 1
	return n
}
