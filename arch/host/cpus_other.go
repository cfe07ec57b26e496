//go:build !linux

package host

import "runtime"

func detectCPUs() int {
	return runtime.NumCPU()
}
