//go:build linux

package host

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// detectCPUs counts the cores in the affinity mask of the process, which
// can be smaller than runtime.NumCPU inside containers pinned with taskset.
func detectCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil {
		if n := set.Count(); n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}
