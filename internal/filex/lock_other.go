//go:build !unix && !windows

package filex

import "os"

// Platforms without advisory locks fall back to the single-writer assumption.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
