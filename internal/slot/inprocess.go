package slot

import (
	"bufio"
	"io"
	"sync"

	"github.com/agentfront/enclave/internal/codec"
	"github.com/agentfront/enclave/internal/worker"
)

// inProcessProc runs a worker.Runtime in a goroutine instead of forking
// a child process, wired over in-memory pipes. It satisfies the same
// Proc contract a forked worker does, so the Pool Manager and Worker
// Slot state machine cannot tell the difference. This trades OS-level
// isolation for zero fork overhead — it exists for tests and for a
// deliberately trusted deployment mode, the same tradeoff the sandbox
// expression evaluator makes between its in-process and forked-process
// modes.
type inProcessProc struct {
	rt      *worker.Runtime
	stdinW  io.WriteCloser
	stdout  *bufio.Scanner
	codec   *codec.Codec
	writeMu sync.Mutex
	exited  chan struct{}
}

// NewInProcessLauncher returns a Launcher that runs the worker runtime
// in-process over pipes rather than forking cmd/sandbox-worker.
func NewInProcessLauncher(maxMessageSizeBytes int) Launcher {
	return func() (Proc, error) {
		hostToWorkerR, hostToWorkerW := io.Pipe()
		workerToHostR, workerToHostW := io.Pipe()

		rt := worker.NewRuntime(hostToWorkerR, workerToHostW)

		scanner := bufio.NewScanner(workerToHostR)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSizeBytes)

		p := &inProcessProc{
			rt:     rt,
			stdinW: hostToWorkerW,
			stdout: scanner,
			codec:  codec.New(maxMessageSizeBytes),
			exited: make(chan struct{}),
		}

		go func() {
			rt.Run()
			workerToHostW.Close()
			close(p.exited)
		}()

		return p, nil
	}
}

func (p *inProcessProc) Send(v interface{}) error {
	b, err := p.codec.Encode(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdinW.Write(b); err != nil {
		return err
	}
	_, err = p.stdinW.Write([]byte("\n"))
	return err
}

func (p *inProcessProc) Recv() ([]byte, error) {
	if p.stdout.Scan() {
		line := make([]byte, len(p.stdout.Bytes()))
		copy(line, p.stdout.Bytes())
		return line, nil
	}
	if err := p.stdout.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (p *inProcessProc) CloseGraceful() error {
	return p.stdinW.Close()
}

// Kill interrupts whatever the VM is currently running (the only way
// to stop an in-process `while(true){}`) in addition to closing stdin.
func (p *inProcessProc) Kill() error {
	p.rt.Interrupt("worker killed")
	return p.stdinW.Close()
}

func (p *inProcessProc) Exited() <-chan struct{} {
	return p.exited
}
