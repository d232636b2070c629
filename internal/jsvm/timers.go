package jsvm

import (
	"sync"
	"time"

	"github.com/dop251/goja"
)

type timer struct {
	id       int64
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration
	repeat   bool
	t        *time.Timer
}

// timerSet backs setTimeout/setInterval. Callbacks fire on the worker.
type timerSet struct {
	vm *VM

	mu     sync.Mutex
	nextID int64
	active map[int64]*timer
}

func newTimerSet(vm *VM) *timerSet {
	return &timerSet{vm: vm, active: make(map[int64]*timer)}
}

func (ts *timerSet) install(rt *goja.Runtime) error {
	set := func(repeat bool) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(rt.NewTypeError("callback is not a function"))
			}
			delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			return rt.ToValue(ts.schedule(fn, args, delay, repeat))
		}
	}
	clearTimer := func(call goja.FunctionCall) goja.Value {
		ts.cancel(call.Argument(0).ToInteger())
		return goja.Undefined()
	}
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":    set(false),
		"setInterval":   set(true),
		"clearTimeout":  clearTimer,
		"clearInterval": clearTimer,
	} {
		if err := rt.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (ts *timerSet) schedule(fn goja.Callable, args []goja.Value, delay time.Duration, repeat bool) int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.nextID++
	tm := &timer{id: ts.nextID, fn: fn, args: args, interval: delay, repeat: repeat}
	ts.active[tm.id] = tm
	tm.t = time.AfterFunc(delay, func() { ts.vm.post(func(*goja.Runtime) error { return ts.fire(tm.id) }) })
	return tm.id
}

func (ts *timerSet) cancel(id int64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tm, ok := ts.active[id]; ok {
		tm.t.Stop()
		delete(ts.active, id)
	}
}

// fire runs on the worker goroutine.
func (ts *timerSet) fire(id int64) error {
	ts.mu.Lock()
	tm, ok := ts.active[id]
	if ok && !tm.repeat {
		delete(ts.active, id)
	}
	ts.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := tm.fn(goja.Undefined(), tm.args...); err != nil {
		// Uncaught errors are reported like console.error calls.
		ts.vm.emitConsole(LevelError, []any{ts.vm.thrownValue(err)})
	}

	if tm.repeat {
		ts.mu.Lock()
		if _, still := ts.active[id]; still {
			interval := tm.interval
			if interval <= 0 {
				interval = time.Millisecond
			}
			tm.t = time.AfterFunc(interval, func() { ts.vm.post(func(*goja.Runtime) error { return ts.fire(id) }) })
		}
		ts.mu.Unlock()
	}
	return nil
}

// Pending returns the number of scheduled timers.
func (ts *timerSet) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.active)
}

func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, tm := range ts.active {
		tm.t.Stop()
		delete(ts.active, id)
	}
}

// PendingTimers returns the number of scheduled timers.
func (vm *VM) PendingTimers() int {
	return vm.timers.Pending()
}
