// Package dispatcher routes debugger protocol requests to their handlers.
//
// Every handler touches script values only inside Host.Run, so a request
// is evaluated, serialized and reflected in one job on the VM worker and
// requests are processed strictly one after another.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/devbridge/internal/audit"
	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/otel"
	"github.com/basket/devbridge/internal/remote"
	"github.com/basket/devbridge/internal/shared"
)

// Host is the script environment seen by the dispatcher. Every method
// except Run must be called from inside Run.
type Host interface {
	remote.Inspector

	Run(ctx context.Context, fn func() error) error
	Evaluate(expression string) (result remote.Value, thrown bool)
	CallFunction(declaration string, this remote.Value, args []remote.Value) (result remote.Value, thrown bool)
	NewError(ctor, message string) remote.Value
	GlobalNames() []string
	FromJSON(raw []byte) (remote.Value, error)
	Number(f float64) remote.Value
	Template(v remote.Value) (string, error)
}

// DefaultContextName names the execution context when Config leaves it empty.
const DefaultContextName = "devbridge"

// Config configures a Dispatcher. Only Host is required.
type Config struct {
	Host    Host
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Bus     *bus.Bus

	ContextName string
	// ReplyUnknownMethods answers unknown methods with CodeMethodNotFound
	// instead of dropping them.
	ReplyUnknownMethods bool
}

type handler func(d *Dispatcher, ctx context.Context, s *Session, req Request) (any, error)

var handlers = [methodCount]handler{
	MethodEnable:                  (*Dispatcher).enable,
	MethodEvaluate:                (*Dispatcher).evaluate,
	MethodCompileScript:           (*Dispatcher).noop,
	MethodCallFunctionOn:          (*Dispatcher).callFunctionOn,
	MethodGlobalLexicalScopeNames: (*Dispatcher).globalLexicalScopeNames,
	MethodGetProperties:           (*Dispatcher).getProperties,
	MethodGetExceptionDetails:     (*Dispatcher).getExceptionDetails,
	MethodReleaseObjectGroup:      (*Dispatcher).releaseObjectGroup,
	MethodReleaseObject:           (*Dispatcher).releaseObject,
	MethodDiscardConsoleEntries:   (*Dispatcher).discardConsoleEntries,
	MethodLegacyEval:              (*Dispatcher).legacyEval,
	MethodRunIfWaitingForDebugger: (*Dispatcher).noop,
	MethodRuntimeDisable:          (*Dispatcher).noop,
	MethodDebuggerEnable:          (*Dispatcher).debuggerEnable,
	MethodProfilerEnable:          (*Dispatcher).noop,
	MethodLogEnable:               (*Dispatcher).noop,
}

// Dispatcher executes requests for one host. It is safe for concurrent
// use; serialization happens on the host worker.
type Dispatcher struct {
	host         Host
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
	bus          *bus.Bus
	contextName  string
	replyUnknown bool
	schemas      [methodCount]*jsonschema.Schema
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Host == nil {
		return nil, errors.New("dispatcher: host is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		host:         cfg.Host,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		bus:          cfg.Bus,
		contextName:  cfg.ContextName,
		replyUnknown: cfg.ReplyUnknownMethods,
		schemas:      schemas,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil || d.metrics == nil {
		noop := otel.Noop()
		if d.tracer == nil {
			d.tracer = noop.Tracer
		}
		if d.metrics == nil {
			if d.metrics, err = otel.NewMetrics(noop.Meter); err != nil {
				return nil, err
			}
		}
	}
	if d.contextName == "" {
		d.contextName = DefaultContextName
	}
	return d, nil
}

// Host returns the script host the dispatcher evaluates against.
func (d *Dispatcher) Host() Host { return d.host }

// Dispatch executes req for session s and returns the reply to send, or
// nil when the request gets none (legacy eval, unknown methods).
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, req Request) *Response {
	m, ok := ParseMethod(req.Method)
	if !ok {
		d.logger.Warn("dispatcher: unknown method", "method", req.Method, "session_id", s.ID)
		if d.replyUnknown {
			return &Response{ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}}
		}
		return nil
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithSessionID(ctx, s.ID)
	ctx = shared.WithMethod(ctx, m.String())
	ctx, span := otel.StartServerSpan(ctx, d.tracer, "dispatcher."+m.String(),
		otel.AttrMethod.String(m.String()),
		otel.AttrSessionID.String(s.ID),
	)
	defer span.End()

	start := time.Now()
	result, err := d.call(ctx, m, s, req)
	attrs := metric.WithAttributes(otel.AttrMethod.String(m.String()))
	d.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		rpcErr := toError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, rpcErr.Message)
		span.SetAttributes(otel.AttrErrorCode.Int(rpcErr.Code))
		d.metrics.RequestErrors.Add(ctx, 1, attrs)
		d.logger.Warn("dispatcher: request failed", append(shared.LogAttrs(ctx), "code", rpcErr.Code, "error", err)...)
		return &Response{ID: req.ID, Error: rpcErr}
	}
	d.logger.Debug("dispatcher: request handled", append(shared.LogAttrs(ctx), "duration_ms", time.Since(start).Milliseconds())...)
	if result == nil {
		return nil
	}
	return &Response{ID: req.ID, Result: result}
}

func (d *Dispatcher) call(ctx context.Context, m Method, s *Session, req Request) (any, error) {
	if err := validate(d.schemas[m], req.Params); err != nil {
		return nil, err
	}
	return handlers[m](d, ctx, s, req)
}

// toError maps handler failures onto protocol errors. Anything that is not
// already an *Error is internal: serialization failures, worker panics and
// a closed host.
func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

// annotate tags the request span with object-level attributes.
func annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// recordEvaluation audits an evaluating request and announces it on the
// bus. Methods that run no client code are not recorded.
func (d *Dispatcher) recordEvaluation(ctx context.Context, m Method, expression, outcome, detail string, start time.Time) {
	if !m.Evaluates() {
		return
	}
	elapsed := time.Since(start)
	audit.Record(ctx, m.String(), outcome, expression, detail)
	d.metrics.Evaluations.Add(ctx, 1, metric.WithAttributes(
		otel.AttrMethod.String(m.String()),
		otel.AttrThrown.Bool(outcome == bus.OutcomeThrown),
	))
	d.bus.Publish(bus.TopicRuntimeEvaluated, bus.RuntimeEvaluatedEvent{
		SessionID:  shared.SessionID(ctx),
		TraceID:    shared.TraceID(ctx),
		Method:     m.String(),
		Expression: shared.Redact(expression),
		Outcome:    outcome,
		Duration:   elapsed,
	})
}
