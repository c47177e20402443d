//go:build unix

package fs

import "golang.org/x/sys/unix"

// fileID returns the device and inode of p without following a final symlink.
func fileID(p string) (dirID, error) {
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return dirID{}, err
	}
	return dirID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}
