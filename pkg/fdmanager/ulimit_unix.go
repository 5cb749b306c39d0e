//go:build unix

package fdmanager

import "golang.org/x/sys/unix"

// currentUlimit reads RLIMIT_NOFILE's soft limit from the OS.
func currentUlimit() (uint64, error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, err
	}
	return rlimit.Cur, nil
}
