package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is the cancellation cause when an execution hits the hard limit.
var ErrTimeout = errors.New("execution timed out")

const maxLineBytes = 64 * 1024

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

type Line struct {
	Stream Stream
	Text   string
}

// Spec is one process to run.
type Spec struct {
	Dir  string
	Task string
	Env  map[string]string
}

// Exit describes how a process ended.
type Exit struct {
	Code     int
	Duration time.Duration
	// Err is set when the process could not be started or waited for.
	Err error
	// Cause is why the process was killed; nil when it exited on its own.
	Cause error
}

// Runner starts the agent CLI once per job. The task text is passed as the
// final argument.
type Runner struct {
	Command string
	Args    []string
	Timeout time.Duration
	// BaseEnv defaults to the server's own environment.
	BaseEnv []string
}

// Run executes spec and sends every output line to lines, closing it when
// both streams are drained. Lines are delivered in order per stream; sends
// block, so a slow consumer slows the process instead of growing memory.
// Cancelling ctx kills the whole process group and the cause is reported.
func (r *Runner) Run(ctx context.Context, spec Spec, lines chan<- Line) Exit {
	defer close(lines)

	var cancel context.CancelFunc
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, r.Timeout, ErrTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	outR, outW, err := os.Pipe()
	if err != nil {
		return Exit{Code: -1, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return Exit{Code: -1, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	args := append(append([]string(nil), r.Args...), spec.Task)
	cmd := exec.Command(r.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = r.environ(spec.Env)
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureProcess(cmd)

	start := time.Now()
	err = cmd.Start()
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return Exit{Code: -1, Err: fmt.Errorf("start %s: %w", r.Command, err)}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go scanLines(outR, Stdout, lines, &readers)
	go scanLines(errR, Stderr, lines, &readers)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var killed bool
	select {
	case err = <-waited:
	case <-ctx.Done():
		killed = true
		_ = killProcessGroup(cmd)
		err = <-waited
	}
	// Descendants still holding the pipes would keep the readers open.
	_ = killProcessGroup(cmd)
	readers.Wait()

	exit := Exit{Duration: time.Since(start)}
	if killed {
		exit.Cause = context.Cause(ctx)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exit.Code = exitErr.ExitCode()
	default:
		exit.Code = -1
		exit.Err = err
	}
	return exit
}

func (r *Runner) environ(extra map[string]string) []string {
	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// scanLines reads rd line by line. Overlong lines are cut at maxLineBytes
// and the remainder skipped.
func scanLines(rd io.ReadCloser, stream Stream, lines chan<- Line, wg *sync.WaitGroup) {
	defer wg.Done()
	defer rd.Close()

	br := bufio.NewReaderSize(rd, maxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		text := string(chunk)
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = br.ReadSlice('\n')
		}
		if len(chunk) > 0 {
			lines <- Line{Stream: stream, Text: strings.TrimRight(text, "\r\n")}
		}
		if err != nil {
			return
		}
	}
}
