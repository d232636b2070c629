package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/otel"
	"github.com/basket/devbridge/internal/remote"
	"github.com/basket/devbridge/internal/shared"
)

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func (d *Dispatcher) noop(context.Context, *Session, Request) (any, error) {
	return empty{}, nil
}

func (d *Dispatcher) debuggerEnable(context.Context, *Session, Request) (any, error) {
	return debuggerEnableResult{DebuggerID: "0"}, nil
}

func (d *Dispatcher) enable(_ context.Context, s *Session, _ Request) (any, error) {
	if err := d.PushExecutionContext(s); err != nil {
		d.logger.Warn("dispatcher: context push failed", "session_id", s.ID, "error", err)
	}
	return empty{}, nil
}

// outcome serializes v under group and attaches exception details when v
// is an error. Must run on the host worker.
func (d *Dispatcher) outcome(s *Session, v remote.Value, group string) (EvaluateResult, error) {
	obj, err := s.Serializer.Serialize(v, group)
	if err != nil {
		return EvaluateResult{}, err
	}
	res := EvaluateResult{Result: obj}
	if remote.IsError(d.host, v) {
		details := remote.FormatException(d.host, v)
		res.ExceptionDetails = &details
	}
	return res, nil
}

func (d *Dispatcher) evaluate(ctx context.Context, s *Session, req Request) (any, error) {
	var p evaluateParams
	if err := decode(req.Params, &p); err != nil {
		return nil, err
	}
	annotate(ctx, otel.AttrObjectGroup.String(p.ObjectGroup))
	start := time.Now()
	var (
		res     EvaluateResult
		thrown  bool
		message string
	)
	err := d.host.Run(ctx, func() error {
		var v remote.Value
		v, thrown = d.host.Evaluate(p.Expression)
		// A promise means the expression scheduled work we cannot observe.
		if !thrown && p.ThrowOnSideEffect && d.host.Is(v, remote.SubtypePromise) {
			v, thrown = d.host.NewError("Error", "Possible side effect"), true
		}
		if thrown {
			message = d.host.ErrorMessage(v)
		}
		var err error
		res, err = d.outcome(s, v, p.ObjectGroup)
		return err
	})
	d.recordEvaluation(ctx, MethodEvaluate, p.Expression, outcomeOf(thrown, err), message, start)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) callFunctionOn(ctx context.Context, s *Session, req Request) (any, error) {
	var p callFunctionOnParams
	if err := decode(req.Params, &p); err != nil {
		return nil, err
	}
	annotate(ctx, otel.AttrObjectID.String(p.ObjectID))
	start := time.Now()
	var (
		res     EvaluateResult
		thrown  bool
		message string
	)
	err := d.host.Run(ctx, func() error {
		target, ok := s.Cache.Get(p.ObjectID)
		if !ok {
			thrown, message = true, "target object is missing"
			var err error
			res, err = d.outcome(s, d.host.NewError("EvalError", message), remote.Ungrouped)
			return err
		}

		args, failure := d.resolveArguments(s, p.Arguments)
		var v remote.Value
		if failure != nil {
			v, thrown = failure, true
		} else {
			v, thrown = d.host.CallFunction(p.FunctionDeclaration, target.Value, args)
		}
		if thrown {
			message = d.host.ErrorMessage(v)
		}
		var err error
		res, err = d.outcome(s, v, target.Group)
		return err
	})
	d.recordEvaluation(ctx, MethodCallFunctionOn, p.FunctionDeclaration, outcomeOf(thrown, err), message, start)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolveArguments converts call arguments to host values. On failure it
// returns the error value to report instead of invoking anything.
func (d *Dispatcher) resolveArguments(s *Session, in []callArgument) ([]remote.Value, remote.Value) {
	args := make([]remote.Value, len(in))
	for i, a := range in {
		switch {
		case a.ObjectID != "":
			e, ok := s.Cache.Get(a.ObjectID)
			if !ok {
				return nil, d.host.NewError("EvalError", "argument object is missing")
			}
			args[i] = e.Value
		case a.UnserializableValue != "":
			f, ok := remote.ParseUnserializable(a.UnserializableValue)
			if !ok {
				return nil, d.host.NewError("TypeError", "invalid unserializableValue "+a.UnserializableValue)
			}
			args[i] = d.host.Number(f)
		case len(a.Value) > 0:
			v, err := d.host.FromJSON(a.Value)
			if err != nil {
				return nil, d.host.NewError("TypeError", "invalid argument value")
			}
			args[i] = v
		}
	}
	return args, nil
}

func (d *Dispatcher) globalLexicalScopeNames(ctx context.Context, _ *Session, _ Request) (any, error) {
	res := ScopeNamesResult{Names: []string{}}
	err := d.host.Run(ctx, func() error {
		if names := d.host.GlobalNames(); names != nil {
			res.Names = names
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) getProperties(ctx context.Context, s *Session, req Request) (any, error) {
	var p objectIDParams
	if err := decode(req.Params, &p); err != nil {
		return nil, err
	}
	annotate(ctx, otel.AttrObjectID.String(p.ObjectID))
	var res any = empty{}
	err := d.host.Run(ctx, func() error {
		target, ok := s.Cache.Get(p.ObjectID)
		if !ok {
			return nil
		}
		props, err := s.Reflector.Properties(target.Value, target.Group)
		if err != nil {
			return err
		}
		if props == nil {
			props = []remote.PropertyDescriptor{}
		}
		res = PropertiesResult{Result: props}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) getExceptionDetails(ctx context.Context, s *Session, req Request) (any, error) {
	var p errorObjectIDParams
	if err := decode(req.Params, &p); err != nil {
		return nil, err
	}
	annotate(ctx, otel.AttrObjectID.String(p.ErrorObjectID))
	var res any = empty{}
	err := d.host.Run(ctx, func() error {
		e, ok := s.Cache.Get(p.ErrorObjectID)
		if ok && remote.IsError(d.host, e.Value) {
			res = ExceptionDetailsResult{ExceptionDetails: remote.FormatException(d.host, e.Value)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) releaseObjectGroup(ctx context.Context, s *Session, req Request) (any, error) {
	var p objectGroupParams
	if err := decode(req.Params, &p); err != nil {
		return nil, err
	}
	annotate(ctx, otel.AttrObjectGroup.String(p.ObjectGroup))
	n := s.Cache.ReleaseGroup(p.ObjectGroup)
	d.logger.Debug("dispatcher: released object group", "session_id", s.ID, "group", p.ObjectGroup, "count", n)
	return empty{}, nil
}

func (d *Dispatcher) releaseObject(ctx context.Context, s *Session, req Request) (any, error) {
	var p objectIDParams
	if err := decode(req.Params, &p); err != nil {
		return nil, err
	}
	annotate(ctx, otel.AttrObjectID.String(p.ObjectID))
	s.Cache.Release(p.ObjectID)
	return empty{}, nil
}

func (d *Dispatcher) discardConsoleEntries(_ context.Context, s *Session, _ Request) (any, error) {
	s.Cache.ReleaseGroup(remote.ConsoleGroup)
	return empty{}, nil
}

// legacyEval answers with the template-literal string form of the value
// as a bare text frame. Thrown values are only logged.
func (d *Dispatcher) legacyEval(ctx context.Context, s *Session, req Request) (any, error) {
	if req.Content == "" {
		return nil, nil
	}
	start := time.Now()
	var (
		text    string
		thrown  bool
		message string
	)
	err := d.host.Run(ctx, func() error {
		v, th := d.host.Evaluate(req.Content)
		thrown = th
		if thrown {
			message = d.host.Describe(v)
			return nil
		}
		var err error
		text, err = d.host.Template(v)
		if err != nil {
			// Conversion itself threw (e.g. a Symbol).
			thrown, message = true, err.Error()
		}
		return nil
	})
	d.recordEvaluation(ctx, MethodLegacyEval, req.Content, outcomeOf(thrown, err), message, start)
	if err != nil {
		return nil, err
	}
	attrs := shared.LogAttrs(ctx)
	if thrown {
		d.logger.Error("eval: "+message, attrs...)
		return nil, nil
	}
	d.logger.Info("eval: "+text, attrs...)
	if err := s.Raw(text); err != nil {
		d.logger.Warn("dispatcher: raw reply failed", append(attrs, "error", err)...)
	}
	return nil, nil
}

func outcomeOf(thrown bool, err error) string {
	switch {
	case err != nil:
		return bus.OutcomeError
	case thrown:
		return bus.OutcomeThrown
	default:
		return bus.OutcomeOK
	}
}
