//go:build linux

package worker

import (
	"os"
	"strconv"
	"syscall"
)

// applyResourceLimits sets OS-level resource constraints on Linux. The
// pool's own timeout and memory monitor are the primary enforcement
// mechanism (they observe the worker from outside and can always hard
// kill it); these rlimits are a second, in-process layer that costs
// nothing to set up.
func applyResourceLimits() {
	if memStr := os.Getenv("ENCLAVE_WORKER_MEMORY_MB"); memStr != "" {
		if memMB, err := strconv.ParseInt(memStr, 10, 64); err == nil {
			memBytes := uint64(memMB * 1024 * 1024)
			var rLimit syscall.Rlimit
			rLimit.Cur = memBytes
			rLimit.Max = memBytes
			syscall.Setrlimit(syscall.RLIMIT_AS, &rLimit)
		}
	}

	if timeStr := os.Getenv("ENCLAVE_WORKER_TIMEOUT_SEC"); timeStr != "" {
		if timeSec, err := strconv.ParseInt(timeStr, 10, 64); err == nil {
			var rLimit syscall.Rlimit
			rLimit.Cur = uint64(timeSec)
			rLimit.Max = uint64(timeSec)
			syscall.Setrlimit(syscall.RLIMIT_CPU, &rLimit)
		}
	}

	// Prevent fork bombs: sandboxed code never needs to spawn processes.
	var nProcLimit syscall.Rlimit
	nProcLimit.Cur = 0
	nProcLimit.Max = 0
	syscall.Setrlimit(syscall.RLIMIT_NPROC, &nProcLimit)

	// No file creation: filesystem policy belongs to the worker entry,
	// not the core, but a plain JS sandbox has no legitimate need to
	// write files at all.
	var fSizeLimit syscall.Rlimit
	fSizeLimit.Cur = 0
	fSizeLimit.Max = 0
	syscall.Setrlimit(syscall.RLIMIT_FSIZE, &fSizeLimit)
}
