package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"
)

// tracer serializes simulator output. Writing to the terminal goes through
// go-colorable so per-CPU colors also work on Windows consoles; writing to
// a file takes a flock so two simulator runs cannot interleave a trace.
type tracer struct {
	mu sync.Mutex
	w  io.Writer

	file *os.File
	lock *flock.Flock
}

func newTracer(path string) (*tracer, error) {
	if path == "" {
		return &tracer{w: colorable.NewColorableStdout()}, nil
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("trace file %s is in use by another run", path)
	}

	f, err := os.Create(path)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &tracer{w: f, file: f, lock: lock}, nil
}

func (t *tracer) Close() {
	if t.file != nil {
		t.file.Close()
	}
	if t.lock != nil {
		t.lock.Unlock()
	}
}

// Per-CPU colors, cycled the way multicore debug printing usually is:
// green, yellow, blue, magenta, cyan.
var cpuColors = []string{"\x1b[32m", "\x1b[33m", "\x1b[34m", "\x1b[35m", "\x1b[36m"}

// cpuf prints one line attributed (and colored) per CPU. Color is skipped
// when tracing to a file.
func (t *tracer) cpuf(cpu int, format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		fmt.Fprint(t.w, cpuColors[cpu%len(cpuColors)])
	}
	fmt.Fprintf(t.w, "cpu%-2d ", cpu)
	fmt.Fprintf(t.w, format, args...)
	if t.file == nil {
		fmt.Fprint(t.w, "\x1b[0m")
	}
	fmt.Fprintln(t.w)
}

// logf prints an uncolored machine-level line.
func (t *tracer) logf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
	fmt.Fprintln(t.w)
}
