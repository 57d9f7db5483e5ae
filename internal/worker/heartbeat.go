package worker

import (
	"runtime"
	"time"

	"github.com/agentfront/enclave/internal/protocol"
)

// StartHeartbeat launches a goroutine that sends a Heartbeat every
// interval until stop is closed. These heartbeats are the host's only
// source of memory samples: its memory monitor records what they report
// and has no independent reading of the worker's memory, so a worker
// whose heartbeat goroutine stops sending is not memory-checked.
func (rt *Runtime) StartHeartbeat(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rt.send(sampleHeartbeat())
			case <-stop:
				return
			case <-rt.closed:
				return
			}
		}
	}()
}

// sampleHeartbeat reads the Go runtime's own memory stats. The RSS
// field carries runtime.MemStats.Sys (memory the Go runtime has
// obtained from the OS), not the OS-reported resident set size, and it
// is the figure the host's memory monitor compares against its limit.
func sampleHeartbeat() protocol.Heartbeat {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return protocol.Heartbeat{
		Type:         protocol.TypeHeartbeat,
		RSS:          int64(m.Sys),
		HeapTotal:    int64(m.HeapSys),
		HeapUsed:     int64(m.HeapAlloc),
		External:     int64(m.StackSys),
		ArrayBuffers: 0,
	}
}
