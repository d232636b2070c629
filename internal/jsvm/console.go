package jsvm

import (
	"strings"

	"github.com/dop251/goja"

	"github.com/basket/devbridge/internal/remote"
)

// Console levels passed to a ConsoleHandler.
const (
	LevelLog     = 1
	LevelInfo    = 2
	LevelWarning = 3
	LevelError   = 4
)

// ConsoleHandler receives every console call. It runs on the worker
// goroutine, so it may inspect args through the VM's Inspector methods.
type ConsoleHandler func(level int, args []remote.Value)

var consoleMethods = []struct {
	name  string
	level int
}{
	{"log", LevelLog},
	{"debug", LevelLog},
	{"info", LevelInfo},
	{"warn", LevelWarning},
	{"error", LevelError},
}

// SetConsoleHandler installs h as the console sink; nil restores local
// logging.
func (vm *VM) SetConsoleHandler(h ConsoleHandler) {
	vm.consoleMu.Lock()
	vm.console = h
	vm.consoleMu.Unlock()
}

func (vm *VM) consoleHandler() ConsoleHandler {
	vm.consoleMu.Lock()
	defer vm.consoleMu.Unlock()
	return vm.console
}

func (vm *VM) installConsole() error {
	console := vm.rt.NewObject()
	for _, m := range consoleMethods {
		level := m.level
		err := console.Set(m.name, func(call goja.FunctionCall) goja.Value {
			args := make([]remote.Value, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a
			}
			vm.emitConsole(level, args)
			return goja.Undefined()
		})
		if err != nil {
			return err
		}
	}
	return vm.rt.Set("console", console)
}

func (vm *VM) emitConsole(level int, args []remote.Value) {
	if h := vm.consoleHandler(); h != nil {
		h(level, args)
		return
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = vm.Describe(a)
	}
	vm.logger.Info(strings.Join(parts, " "), "origin", "console", "console_type", ConsoleType(level))
}

// ConsoleType maps a console level to the consoleAPICalled type.
func ConsoleType(level int) string {
	switch level {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "log"
	}
}
