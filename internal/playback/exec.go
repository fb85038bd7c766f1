package playback

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execFactory builds sinks that pipe the payload into an external player
// command (for example `mpv --really-quiet -`).
type execFactory struct {
	cmd []string
}

// NewExecFactory parses the player command line once and returns a
// factory for per-clip player processes.
func NewExecFactory(command string) (SinkFactory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &execFactory{cmd: args}, nil
}

func (f *execFactory) NewSink() Sink {
	return &execSink{
		cmd:   f.cmd,
		ready: make(chan struct{}),
		done:  make(chan error, 1),
	}
}

type execSink struct {
	cmd       []string
	payload   []byte
	ready     chan struct{}
	readyOnce sync.Once
	done      chan error

	mu      sync.Mutex
	proc    *exec.Cmd
	stopped bool
	started bool
}

// Load stages or replaces the payload. Re-loading a primed sink with the
// real clip before Start is how the pre-warmed handle gets reused.
func (s *execSink) Load(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrDecode)
	}
	s.payload = payload
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

func (s *execSink) Ready() <-chan struct{} { return s.ready }

func (s *execSink) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sink already started")
	}
	s.started = true

	base := s.cmd[0]
	args := append([]string{}, s.cmd[1:]...)
	cmd := exec.Command(base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	s.proc = cmd
	s.mu.Unlock()

	go func() {
		_, writeErr := stdin.Write(s.payload)
		stdin.Close()
		waitErr := cmd.Wait()

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()

		switch {
		case stopped:
			s.done <- ErrStopped
		case waitErr != nil:
			s.done <- fmt.Errorf("%w: player exited: %v", ErrDecode, waitErr)
		case writeErr != nil:
			s.done <- fmt.Errorf("%w: write payload: %v", ErrDecode, writeErr)
		default:
			s.done <- nil
		}
	}()
	return nil
}

func (s *execSink) Done() <-chan error { return s.done }

func (s *execSink) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	proc := s.proc
	started := s.started
	s.mu.Unlock()

	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
	if !started {
		// never reached Start; report the stop so waiters unblock
		select {
		case s.done <- ErrStopped:
		default:
		}
	}
}
