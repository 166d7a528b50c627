//go:build linux

package media

import (
	"golang.org/x/sys/unix"
)

func filesystemUsage(mountPoint string) (capacity, free uint64) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPoint, &st); err != nil {
		return 0, 0
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize
}

func filesystemType(mountPoint string) string {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPoint, &st); err != nil {
		return ""
	}
	switch st.Type {
	case 0xEF53:
		return "ext4"
	case 0x4d44:
		return "vfat"
	case 0x5346544e:
		return "ntfs"
	case 0x58465342:
		return "xfs"
	case 0x01021994:
		return "tmpfs"
	default:
		return ""
	}
}

func syncFilesystem() {
	unix.Sync()
}
