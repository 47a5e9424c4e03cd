//go:build !linux && !darwin

package hls

import "errors"

// diskFreeBytes is a stub for platforms without Statfs. The production image
// runs on Linux where disk_free_unix.go applies.
func diskFreeBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
