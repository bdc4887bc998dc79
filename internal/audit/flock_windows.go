//go:build windows

package audit

import "os"

// lockFile is a no-op on Windows; the in-process mutex serialises a single CLI.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
