// Package jsvm hosts the JavaScript environment exposed to the debugger.
//
// goja runtimes are not safe for concurrent use, so every access goes
// through a single worker goroutine: callers submit work with Do or Run
// and block until it has executed. Timer callbacks are queued onto the same
// worker, which keeps script execution strictly sequential.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("jsvm: closed")

const requestQueueSize = 64

// Config configures a VM.
type Config struct {
	Logger *slog.Logger
	// EvalTimeout interrupts an evaluation that runs longer. Zero disables it.
	EvalTimeout time.Duration
	// MaxCallStackSize overrides the goja default when positive.
	MaxCallStackSize int
}

type job struct {
	fn   func(rt *goja.Runtime) error
	done chan error
}

// VM owns a goja runtime and the goroutine that drives it.
type VM struct {
	rt          *goja.Runtime
	logger      *slog.Logger
	evalTimeout time.Duration

	requests chan job
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	consoleMu sync.Mutex
	console   ConsoleHandler

	// Touched only on the worker goroutine.
	helpers helpers
	timers  *timerSet
}

// New creates a VM with console and timer globals installed and starts its
// worker goroutine.
func New(cfg Config) (*VM, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := goja.New()
	if cfg.MaxCallStackSize > 0 {
		rt.SetMaxCallStackSize(cfg.MaxCallStackSize)
	}
	vm := &VM{
		rt:          rt,
		logger:      logger,
		evalTimeout: cfg.EvalTimeout,
		requests:    make(chan job, requestQueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	vm.timers = newTimerSet(vm)

	// Setup runs before the worker exists, so it may touch rt directly.
	if err := vm.helpers.compile(rt); err != nil {
		return nil, fmt.Errorf("compile host helpers: %w", err)
	}
	if err := vm.installConsole(); err != nil {
		return nil, fmt.Errorf("install console: %w", err)
	}
	if err := vm.timers.install(rt); err != nil {
		return nil, fmt.Errorf("install timers: %w", err)
	}

	go vm.loop()
	return vm, nil
}

func (vm *VM) loop() {
	defer close(vm.done)
	for {
		select {
		case j := <-vm.requests:
			err := vm.execute(j.fn)
			if j.done != nil {
				j.done <- err
			}
		case <-vm.quit:
			vm.timers.stopAll()
			return
		}
	}
}

// execute runs fn on the runtime, turning panics into errors.
func (vm *VM) execute(fn func(rt *goja.Runtime) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jsvm: panic: %v", r)
			vm.logger.Error("jsvm: recovered panic", "panic", r)
		}
	}()
	return fn(vm.rt)
}

// Do runs fn on the worker goroutine and waits for it. If ctx ends first
// Do returns ctx.Err(); the job still runs to completion.
func (vm *VM) Do(ctx context.Context, fn func(rt *goja.Runtime) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case vm.requests <- j:
	case <-vm.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-vm.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is Do for callers that do not need the runtime handle.
func (vm *VM) Run(ctx context.Context, fn func() error) error {
	return vm.Do(ctx, func(*goja.Runtime) error { return fn() })
}

// post queues fn without waiting. It is used by timers, which must not
// block the goroutine that fires them.
func (vm *VM) post(fn func(rt *goja.Runtime) error) {
	go func() {
		select {
		case vm.requests <- job{fn: fn}:
		case <-vm.quit:
		}
	}()
}

// LoadScript evaluates the file at path in the global scope. A thrown
// value is returned as an error.
func (vm *VM) LoadScript(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read startup script: %w", err)
	}
	return vm.Do(ctx, func(rt *goja.Runtime) error {
		if _, err := rt.RunScript(path, string(src)); err != nil {
			return fmt.Errorf("run %s: %w", path, err)
		}
		return nil
	})
}

// Close interrupts any running script, cancels timers and stops the
// worker. It is safe to call more than once.
func (vm *VM) Close() {
	vm.stopOnce.Do(func() {
		vm.rt.Interrupt("jsvm closed")
		close(vm.quit)
	})
	<-vm.done
}
