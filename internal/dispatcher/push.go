package dispatcher

import (
	"context"
	"time"

	"github.com/basket/devbridge/internal/remote"
)

// WelcomeStyle is the CSS applied to the welcome banner.
const WelcomeStyle = "color:orange;font-size:12pt"

// ExecutionContext returns the description of the single script context.
func (d *Dispatcher) ExecutionContext() ExecutionContext {
	return ExecutionContext{
		ID:       "0",
		Origin:   "",
		Name:     d.contextName,
		UniqueID: "0",
		AuxData:  AuxContext{IsDefault: true},
	}
}

// PushExecutionContext sends Runtime.executionContextCreated.
func (d *Dispatcher) PushExecutionContext(s *Session) error {
	return s.Notify(EventExecutionContextCreated, executionContextCreated{Context: d.ExecutionContext()})
}

// PushWelcome sends the styled greeting shown when a debugger attaches.
func (d *Dispatcher) PushWelcome(s *Session) error {
	return s.Notify(EventConsoleAPICalled, consolePayload("info", []remote.RemoteObject{
		{Type: remote.KindString, Value: "%cWelcome to " + d.contextName, Description: "%cWelcome to " + d.contextName},
		{Type: remote.KindString, Value: WelcomeStyle, Description: WelcomeStyle},
	}))
}

// PushConsole forwards one console call. args are serialized under the
// console group; it must run on the host worker, which is where console
// handlers are invoked.
func (d *Dispatcher) PushConsole(s *Session, consoleType string, args []remote.Value) error {
	objs := make([]remote.RemoteObject, 0, len(args))
	for _, a := range args {
		obj, err := s.Serializer.Serialize(a, remote.ConsoleGroup)
		if err != nil {
			obj = remote.RemoteObject{Type: remote.KindString, Value: err.Error(), Description: err.Error()}
		}
		objs = append(objs, obj)
	}
	d.metrics.ConsoleMessages.Add(context.Background(), 1)
	return s.Notify(EventConsoleAPICalled, consolePayload(consoleType, objs))
}

func consolePayload(consoleType string, args []remote.RemoteObject) ConsoleAPICalled {
	return ConsoleAPICalled{
		Type:       consoleType,
		Args:       args,
		Timestamp:  float64(time.Now().UnixMilli()),
		StackTrace: StackTrace{CallFrames: []struct{}{}},
	}
}
