package audio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const execReadSize = 4096

// execProducer runs a capture command that writes raw PCM to stdout
type execProducer struct {
	args []string

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool
}

func newExecProducer(args []string) *execProducer {
	return &execProducer{args: args}
}

func (p *execProducer) Start(feed func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return errors.New("capture command already running")
	}

	slog.Info("Starting capture command", "command", strings.Join(p.args, " "))

	cmd := exec.Command(p.args[0], p.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.args[0], err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.stopping.Store(false)

	go readOutput(stderr, p.args[0])
	go func() {
		defer close(p.done)
		buf := make([]byte, execReadSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				feed(buf[:n])
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					slog.Debug("Capture stream read failed", "command", p.args[0], "error", err)
				}
				if !p.stopping.Load() {
					slog.Warn("Capture command exited unexpectedly, no more audio will be captured", "command", p.args[0])
				}
				return
			}
		}
	}()

	return nil
}

// Stop interrupts the capture command and waits for it to exit
func (p *execProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil
	}
	cmd := p.cmd
	p.cmd = nil
	p.stopping.Store(true)

	if cmd.Process != nil {
		slog.Debug("Sending SIGINT to capture command", "command", p.args[0])
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to interrupt capture command, killing", "error", err)
			cmd.Process.Kill()
		}
	}

	exited := make(chan error, 1)
	go func() {
		<-p.done
		exited <- cmd.Wait()
	}()

	select {
	case err := <-exited:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
				state := exitErr.ProcessState.String()
				if state == "signal: interrupt" || state == "signal: killed" || exitErr.ExitCode() == 1 {
					slog.Debug("Capture command exited after signal", "state", state)
					return nil
				}
			}
			return fmt.Errorf("capture command failed: %w", err)
		}
		return nil

	case <-time.After(5 * time.Second):
		slog.Warn("Capture command did not exit within timeout, force killing", "command", p.args[0])
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-exited
		return nil
	}
}

// readOutput logs a command's stderr line by line
func readOutput(pipe io.ReadCloser, label string) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		slog.Debug("Capture command output", "command", label, "line", scanner.Text())
	}
	pipe.Close()
}

// commandAvailable reports whether name resolves on PATH
func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
