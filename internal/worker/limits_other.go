//go:build !linux

package worker

// applyResourceLimits is a no-op on non-Linux platforms. Resource
// limits are enforced via the pool's own timeout and memory monitor,
// which observe the worker process from outside and do not depend on
// rlimit support.
func applyResourceLimits() {}
