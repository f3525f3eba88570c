package planner

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// lockAppend acquires an advisory exclusive lock on f for the duration of an
// overwrite-in-place, matching the "one advisory lock on the WIM file for
// append-mode overwrite" rule in the concurrency model. The returned unlock
// func must run in every exit path, including on error.
func lockAppend(f File) (unlock func() error, err error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return nil, xerrors.Errorf("planner: lock: %w", err)
	}
	return func() error {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			return xerrors.Errorf("planner: unlock: %w", err)
		}
		return nil
	}, nil
}
