package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// getDeviceAndMountPoint returns the partition with the longest mount point
// that contains path.
func getDeviceAndMountPoint(path string) (device, mountPoint string, err error) { // A
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}

	partitions, err := disk.Partitions(false)
	if err != nil {
		return "", "", fmt.Errorf("unable to list partitions: %w", err)
	}

	for _, p := range partitions {
		mp := p.Mountpoint
		if abs != mp && !strings.HasPrefix(abs, strings.TrimSuffix(mp, "/")+"/") {
			continue
		}
		if len(mp) > len(mountPoint) {
			device, mountPoint = p.Device, mp
		}
	}
	if mountPoint == "" {
		return "", "", fmt.Errorf("unable to find mount for path %s", path)
	}
	return device, mountPoint, nil
}

// displayDiskUsage displays the disk usage information using structured logging
func displayDiskUsage(log *logrus.Logger, paths []string) error { // A
	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			return fmt.Errorf("disk usage of %s: %w", path, err)
		}

		device, mountPoint, err := getDeviceAndMountPoint(path)
		if err != nil {
			log.WithField("path", path).WithError(err).Debug("Error finding device and mount point")
		}

		pathSize, err := calculateDirectorySize(path)
		if err != nil {
			return fmt.Errorf("directory size of %s: %w", path, err)
		}

		log.WithFields(logrus.Fields{
			"Path":        path,
			"Device":      device,
			"Mount Point": mountPoint,
			"Total (GB)":  fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"Used (GB)":   fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			"Free (GB)":   fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			"Usage by DB": fmt.Sprintf("%.2f", float64(pathSize)/1e9),
		}).Info("Disk Usage")
	}

	return nil
}
