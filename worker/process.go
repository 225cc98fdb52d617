package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// StartProcess starts cmd and returns a Conn speaking frames over the child's
// stdin and stdout. cmd must not have Stdin or Stdout set; a nil Stderr is
// wired to the parent's stderr. Terminate closes the child's stdin and kills
// it if it has not exited when ctx ends.
func StartProcess(cmd *exec.Cmd, opts ...ConnOption) (*Conn, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// An os.Pipe keeps the read end ours; cmd.Wait would close a StdoutPipe
	// before the last frames are read.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = childOut
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err = cmd.Start()
	_ = childOut.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	reap := func(ctx context.Context) error {
		defer stdout.Close()

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("worker process %s: %w", cmd.Path, err)
			}
			return nil
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-exited
			return fmt.Errorf("kill %s: %w", cmd.Path, ctx.Err())
		}
	}

	opts = append([]ConnOption{WithConnID(fmt.Sprintf("process-%d", cmd.Process.Pid))}, opts...)
	opts = append(opts, withCloseHook(reap))
	return NewConn(&processStream{r: stdout, w: stdin}, opts...), nil
}

type processStream struct {
	r io.Reader
	w io.WriteCloser
}

func (s *processStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *processStream) Write(p []byte) (int, error) { return s.w.Write(p) }

// Close closes only the child's stdin; stdout is closed once the child is reaped.
func (s *processStream) Close() error {
	return s.w.Close()
}

// =============================================================================
// Child side
// =============================================================================

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// ServeStdio serves the worker side over the process's stdin and stdout.
// Nothing else may write to stdout afterwards.
func ServeStdio(ctx context.Context) *ConnEndpoint {
	return ServeConn(ctx, stdio{}, nil)
}
