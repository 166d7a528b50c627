//go:build !linux

package media

func filesystemUsage(mountPoint string) (capacity, free uint64) {
	return 0, 0
}

func filesystemType(mountPoint string) string {
	return ""
}

func syncFilesystem() {}
