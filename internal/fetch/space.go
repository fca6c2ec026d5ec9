package fetch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// SpaceChecker reports free bytes on the filesystem holding path.
type SpaceChecker interface {
	Free(path string) (uint64, error)
}

// DiskSpace asks the operating system through gopsutil.
type DiskSpace struct{}

func (DiskSpace) Free(path string) (uint64, error) {
	usage, err := disk.Usage(existingAncestor(path))
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// existingAncestor walks up from path until it finds something that exists, since output
// directories are created lazily.
func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
