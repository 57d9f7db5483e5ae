// Command sandbox-worker is the forked worker process launched once
// per Worker Slot. It speaks the host/worker protocol over its own
// stdin/stdout and never talks to anything else — no network, no
// filesystem beyond what the Go runtime itself touches.
package main

import "github.com/agentfront/enclave/internal/worker"

func main() {
	worker.RunWorker()
}
