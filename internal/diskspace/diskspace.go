// Package diskspace reports free space on the output volume, backing the
// telemetry disk_remaining key. Informational only: the engine never
// refuses work on low space.
package diskspace

import "github.com/shirou/gopsutil/v3/disk"

// Remaining returns the free bytes available on the volume containing
// path.
func Remaining(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
