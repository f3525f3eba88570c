package planner

import "io"

// File is the subset of *os.File (and renameio.PendingFile, which embeds
// one) the planner needs: positioned reads and writes for resource I/O,
// truncation for the incompressible-fallback rewrite path, Fd for advisory
// locking, and Sync for the optional fsync-on-commit flag.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Fd() uintptr
}
