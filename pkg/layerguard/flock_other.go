//go:build !unix

package layerguard

import "os"

// Advisory locks are unavailable here; the version check and atomic rename
// still apply.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
