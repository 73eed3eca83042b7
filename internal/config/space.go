package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var ErrNoSpace = errors.New("config: no path with enough free space")

const gigabyte = 1024 * 1024 * 1024

// PathWithSpace returns the first directory in paths with at least
// minimumFreeGB free. Paths that do not exist or are not directories are
// skipped.
func PathWithSpace(paths []string, minimumFreeGB uint64, log *logrus.Logger) (string, error) {
	log = logging.OrDefault(log)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			log.WithField("path", p).Debug("config: skipping storage path")
			continue
		}
		usage, err := disk.Usage(p)
		if err != nil {
			log.WithError(err).WithField("path", p).Warn("config: disk usage unavailable")
			continue
		}

		log.WithFields(logrus.Fields{
			"path":    p,
			"freeGB":  float64(usage.Free) / gigabyte,
			"totalGB": float64(usage.Total) / gigabyte,
			"used":    fmt.Sprintf("%.1f%%", usage.UsedPercent),
		}).Debug("config: storage path usage")

		if usage.Free/gigabyte >= minimumFreeGB {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: need %d GB in %v", ErrNoSpace, minimumFreeGB, paths)
}
