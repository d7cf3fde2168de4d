// Package obslog provides the prefixed stdlib loggers used across the
// e2ee-core daemon and CLI, one per subsystem.
package obslog

import (
	"log"
	"os"
)

// New returns a logger tagged with the given subsystem prefix, writing
// to stdout with date/time/UTC flags.
func New(subsystem string) *log.Logger {
	return log.New(os.Stdout, "["+subsystem+"] ", log.Ldate|log.Ltime|log.LUTC)
}

var (
	KeyManager  = New("KEYMGR")
	X3DH        = New("X3DH")
	Ratchet     = New("RATCHET")
	Session     = New("SESSION")
	BundleCache = New("BUNDLECACHE")
	Discovery   = New("DISCOVERY")
	APIServer   = New("APISERVER")
	Storage     = New("STORAGE")
)
