package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/jsvm"
	"github.com/basket/devbridge/internal/remote"
)

type pushed struct {
	method string
	params any
}

type recorder struct {
	mu     sync.Mutex
	pushes []pushed
	raw    []string
}

func (r *recorder) Notify(method string, params any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushed{method, params})
	return nil
}

func (r *recorder) Raw(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, text)
	return nil
}

func (r *recorder) snapshot() ([]pushed, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pushed(nil), r.pushes...), append([]string(nil), r.raw...)
}

type harness struct {
	vm   *jsvm.VM
	d    *Dispatcher
	s    *Session
	out  *recorder
	bus  *bus.Bus
	next int
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	vm, err := jsvm.New(jsvm.Config{})
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	t.Cleanup(vm.Close)
	b := bus.New()
	cfg := Config{Host: vm, Bus: b, ContextName: "testbridge"}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	out := &recorder{}
	return &harness{vm: vm, d: d, s: NewSession("sess-1", vm, out, "127.0.0.1:1"), out: out, bus: b}
}

func (h *harness) send(t *testing.T, method string, params any) *Response {
	t.Helper()
	h.next++
	req := Request{ID: json.RawMessage(strconv.Itoa(h.next)), Method: method}
	if params != nil {
		req.Params = json.RawMessage(jsonString(t, params))
	}
	return h.d.Dispatch(context.Background(), h.s, req)
}

func jsonString(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func evalResult(t *testing.T, resp *Response) EvaluateResult {
	t.Helper()
	if resp == nil {
		t.Fatal("no response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	res, ok := resp.Result.(EvaluateResult)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	return res
}

func TestHandlerTableComplete(t *testing.T) {
	for m := Method(0); m < methodCount; m++ {
		if handlers[m] == nil {
			t.Errorf("no handler for %s", m)
		}
		if got, ok := ParseMethod(m.String()); !ok || got != m {
			t.Errorf("ParseMethod(%q) = %v, %v", m.String(), got, ok)
		}
	}
	if _, ok := ParseMethod("Runtime.nope"); ok {
		t.Error("unknown name parsed")
	}
}

func TestEvaluate_OnePlusOne(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.send(t, "Runtime.evaluate", map[string]any{"expression": "1+1"})
	got := jsonString(t, resp)
	want := `{"id":1,"result":{"result":{"type":"number","description":"2","value":2}}}`
	if got != want {
		t.Fatalf("response = %s\nwant      %s", got, want)
	}
	if h.s.Cache.Len() != 0 {
		t.Fatalf("primitive result was cached")
	}
}

func TestEvaluate_ThrownValueIsResult(t *testing.T) {
	h := newHarness(t, nil)
	res := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "null.x"}))
	if res.Result.Subtype != remote.SubtypeError || res.Result.ObjectID == "" {
		t.Fatalf("result %+v", res.Result)
	}
	if res.ExceptionDetails == nil || res.ExceptionDetails.Text == "" {
		t.Fatalf("missing exception details: %+v", res)
	}
}

func TestEvaluate_SideEffectGuard(t *testing.T) {
	h := newHarness(t, nil)

	guarded := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{
		"expression":        "new Promise(function () {})",
		"throwOnSideEffect": true,
	}))
	if guarded.Result.Subtype != remote.SubtypeError {
		t.Fatalf("expected error descriptor, got %+v", guarded.Result)
	}
	if guarded.ExceptionDetails == nil || guarded.ExceptionDetails.Text != "Possible side effect" {
		t.Fatalf("exception details %+v", guarded.ExceptionDetails)
	}

	plain := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{
		"expression": "new Promise(function () {})",
	}))
	if plain.Result.Subtype != remote.SubtypePromise || plain.Result.ClassName != "Promise" {
		t.Fatalf("expected promise descriptor, got %+v", plain.Result)
	}
}

func TestEvaluate_ObjectGroups(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "Runtime.evaluate", map[string]any{"expression": "globalThis.o = {}"})
	a := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "o", "objectGroup": "watch"}))
	b := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "o", "objectGroup": "watch"}))
	c := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "o"}))
	if a.Result.ObjectID != b.Result.ObjectID {
		t.Fatalf("same group gave ids %s and %s", a.Result.ObjectID, b.Result.ObjectID)
	}
	if c.Result.ObjectID == a.Result.ObjectID {
		t.Fatal("ungrouped evaluation reused grouped id")
	}

	h.send(t, "Runtime.releaseObjectGroup", map[string]any{"objectGroup": "watch"})
	if _, ok := h.s.Cache.Get(a.Result.ObjectID); ok {
		t.Fatal("released group entry still resolvable")
	}
	if _, ok := h.s.Cache.Get(c.Result.ObjectID); !ok {
		t.Fatal("ungrouped entry released with named group")
	}

	h.send(t, "Runtime.releaseObject", map[string]any{"objectId": c.Result.ObjectID})
	if h.s.Cache.Len() != 0 {
		t.Fatalf("cache len = %d", h.s.Cache.Len())
	}
}

func TestEvaluate_UnsupportedValue(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.send(t, "Runtime.evaluate", map[string]any{"expression": "10n"})
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected internal error, got %+v", resp)
	}
	if h.s.Cache.Len() != 0 {
		t.Fatal("cache touched by failed serialization")
	}
	// The session keeps working.
	evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "1"}))
}

func TestInvalidParams(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		method string
		params any
	}{
		{"Runtime.evaluate", map[string]any{}},
		{"Runtime.evaluate", map[string]any{"expression": 12}},
		{"Runtime.callFunctionOn", map[string]any{"objectId": "1"}},
		{"Runtime.getProperties", nil},
		{"Runtime.releaseObject", map[string]any{"objectId": true}},
	}
	for _, tt := range tests {
		resp := h.send(t, tt.method, tt.params)
		if resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Errorf("%s %v: expected invalid params, got %+v", tt.method, tt.params, resp)
			continue
		}
		if !strings.HasPrefix(resp.Error.Message, "invalid params: ") {
			t.Errorf("message %q", resp.Error.Message)
		}
	}
}

func TestCallFunctionOn(t *testing.T) {
	h := newHarness(t, nil)
	target := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{
		"expression":  "globalThis.calls = 0; ({ x: 1 })",
		"objectGroup": "g",
	}))
	id := target.Result.ObjectID

	t.Run("primitive arguments", func(t *testing.T) {
		res := evalResult(t, h.send(t, "Runtime.callFunctionOn", map[string]any{
			"objectId":            id,
			"functionDeclaration": "function (a, b) { return this.x + a + b; }",
			"arguments":           []any{map[string]any{"value": 2}, map[string]any{"unserializableValue": "Infinity"}},
		}))
		if res.Result.UnserializableValue != "Infinity" {
			t.Fatalf("result %+v", res.Result)
		}
	})

	t.Run("object argument keeps target group", func(t *testing.T) {
		res := evalResult(t, h.send(t, "Runtime.callFunctionOn", map[string]any{
			"objectId":            id,
			"functionDeclaration": "function (o) { return [this, o]; }",
			"arguments":           []any{map[string]any{"objectId": id}},
		}))
		e, ok := h.s.Cache.Get(res.Result.ObjectID)
		if !ok || e.Group != "g" {
			t.Fatalf("result entry %+v, %v", e, ok)
		}
	})

	t.Run("missing argument", func(t *testing.T) {
		res := evalResult(t, h.send(t, "Runtime.callFunctionOn", map[string]any{
			"objectId":            id,
			"functionDeclaration": "function () { calls++; }",
			"arguments":           []any{map[string]any{"objectId": "999"}},
		}))
		if res.Result.Subtype != remote.SubtypeError || !strings.Contains(res.Result.Description, "argument object is missing") {
			t.Fatalf("result %+v", res.Result)
		}
		calls := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "calls"}))
		if calls.Result.Value != int64(0) {
			t.Fatalf("function invoked %v times", calls.Result.Value)
		}
	})

	t.Run("missing target", func(t *testing.T) {
		res := evalResult(t, h.send(t, "Runtime.callFunctionOn", map[string]any{
			"objectId":            "999",
			"functionDeclaration": "function () {}",
		}))
		if res.ExceptionDetails == nil || res.ExceptionDetails.Text != "target object is missing" {
			t.Fatalf("result %+v", res)
		}
		if e, _ := h.s.Cache.Get(res.Result.ObjectID); e.Group != remote.Ungrouped {
			t.Fatalf("error cached under %q", e.Group)
		}
	})

	t.Run("declaration that throws", func(t *testing.T) {
		res := evalResult(t, h.send(t, "Runtime.callFunctionOn", map[string]any{
			"objectId":            id,
			"functionDeclaration": "function () { throw new RangeError('nope'); }",
		}))
		if res.ExceptionDetails == nil || res.ExceptionDetails.Text != "nope" || res.Result.ClassName != "RangeError" {
			t.Fatalf("result %+v", res)
		}
	})
}

func TestGetProperties(t *testing.T) {
	h := newHarness(t, nil)
	if resp := h.send(t, "Runtime.getProperties", map[string]any{"objectId": "42"}); jsonString(t, resp.Result) != "{}" {
		t.Fatalf("absent target result %s", jsonString(t, resp.Result))
	}

	target := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{
		"expression":  "(function () { var o = { a: 1 }; o.me = o; return o; })()",
		"objectGroup": "props",
	}))
	resp := h.send(t, "Runtime.getProperties", map[string]any{"objectId": target.Result.ObjectID})
	res, ok := resp.Result.(PropertiesResult)
	if !ok {
		t.Fatalf("result %T", resp.Result)
	}
	if res.Result[0].Name != "a" || res.Result[1].Name != "me" || res.Result[1].Value.ObjectID != target.Result.ObjectID {
		t.Fatalf("properties %+v", res.Result[:2])
	}
	if h.s.Cache.GroupLen("props") == 0 {
		t.Fatal("property values not cached under the target group")
	}
}

func TestGetExceptionDetails(t *testing.T) {
	h := newHarness(t, nil)
	errObj := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "new Error('kaput')"}))
	plain := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "({})"}))

	resp := h.send(t, "Runtime.getExceptionDetails", map[string]any{"errorObjectId": errObj.Result.ObjectID})
	if got := jsonString(t, resp.Result); got != `{"exceptionDetails":{"text":"kaput"}}` {
		t.Fatalf("details %s", got)
	}
	for _, id := range []string{plain.Result.ObjectID, "missing"} {
		resp := h.send(t, "Runtime.getExceptionDetails", map[string]any{"errorObjectId": id})
		if jsonString(t, resp.Result) != "{}" {
			t.Fatalf("%s: expected {}, got %s", id, jsonString(t, resp.Result))
		}
	}
}

func TestConsoleGroupRelease(t *testing.T) {
	h := newHarness(t, nil)
	h.vm.SetConsoleHandler(func(level int, args []remote.Value) {
		_ = h.d.PushConsole(h.s, jsvm.ConsoleType(level), args)
	})

	logObject := func() {
		h.send(t, "Runtime.evaluate", map[string]any{"expression": "console.warn('x', {k: 1}); 0"})
	}
	logObject()
	if n := h.s.Cache.GroupLen(remote.ConsoleGroup); n != 1 {
		t.Fatalf("console group len = %d, want 1", n)
	}
	h.send(t, "Runtime.releaseObjectGroup", map[string]any{"objectGroup": "console"})
	if n := h.s.Cache.GroupLen(remote.ConsoleGroup); n != 0 {
		t.Fatalf("console group len after release = %d", n)
	}

	logObject()
	h.send(t, "Runtime.discardConsoleEntries", nil)
	if n := h.s.Cache.GroupLen(remote.ConsoleGroup); n != 0 {
		t.Fatalf("console group len after discard = %d", n)
	}

	logObject()
	pushes, _ := h.out.snapshot()
	if len(pushes) != 3 {
		t.Fatalf("got %d console pushes, want 3", len(pushes))
	}
	last, ok := pushes[2].params.(ConsoleAPICalled)
	if !ok || pushes[2].method != EventConsoleAPICalled || last.Type != "warning" || len(last.Args) != 2 {
		t.Fatalf("push %+v", pushes[2])
	}
}

func TestEnablePushesContext(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.send(t, "Runtime.enable", nil)
	if jsonString(t, resp) != `{"id":1,"result":{}}` {
		t.Fatalf("response %s", jsonString(t, resp))
	}
	pushes, _ := h.out.snapshot()
	if len(pushes) != 1 || pushes[0].method != EventExecutionContextCreated {
		t.Fatalf("pushes %+v", pushes)
	}
	want := `{"context":{"id":"0","origin":"","name":"testbridge","uniqueId":"0","auxData":{"isDefault":true}}}`
	if got := jsonString(t, pushes[0].params); got != want {
		t.Fatalf("context push %s", got)
	}
}

func TestNoopMethods(t *testing.T) {
	h := newHarness(t, nil)
	for _, m := range []string{"Runtime.compileScript", "Runtime.runIfWaitingForDebugger", "Runtime.disable", "Profiler.enable", "Log.enable"} {
		if got := jsonString(t, h.send(t, m, nil).Result); got != "{}" {
			t.Errorf("%s result %s", m, got)
		}
	}
	if got := jsonString(t, h.send(t, "Debugger.enable", nil).Result); got != `{"debuggerId":"0"}` {
		t.Errorf("Debugger.enable result %s", got)
	}
}

func TestGlobalLexicalScopeNames(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "Runtime.evaluate", map[string]any{"expression": "var watched = 1"})
	res, ok := h.send(t, "Runtime.globalLexicalScopeNames", nil).Result.(ScopeNamesResult)
	if !ok {
		t.Fatal("unexpected result type")
	}
	found := false
	for _, n := range res.Names {
		found = found || n == "watched"
	}
	if !found {
		t.Fatalf("names %v missing watched", res.Names)
	}
}

func TestLegacyEval(t *testing.T) {
	h := newHarness(t, nil)
	req := func(content string) *Response {
		return h.d.Dispatch(context.Background(), h.s, Request{Method: "eval", Content: content})
	}
	if resp := req("[1, 2].join('-')"); resp != nil {
		t.Fatalf("legacy eval produced a response %+v", resp)
	}
	req("throw new Error('quiet')")
	req("")
	req("({})")
	_, raw := h.out.snapshot()
	want := []string{"1-2", "[object Object]"}
	if strings.Join(raw, "|") != strings.Join(want, "|") {
		t.Fatalf("raw replies %q, want %q", raw, want)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, nil)
	if resp := h.send(t, "Network.enable", nil); resp != nil {
		t.Fatalf("expected no reply, got %+v", resp)
	}

	strict := newHarness(t, func(c *Config) { c.ReplyUnknownMethods = true })
	resp := strict.send(t, "Network.enable", nil)
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}

func TestEvaluationPublishesEvent(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicRuntimeEvaluated)
	defer h.bus.Unsubscribe(sub)

	h.send(t, "Runtime.evaluate", map[string]any{"expression": "missing"})
	select {
	case ev := <-sub.Ch():
		e := ev.Payload.(bus.RuntimeEvaluatedEvent)
		if e.SessionID != "sess-1" || e.Method != "Runtime.evaluate" || e.Outcome != bus.OutcomeThrown || e.TraceID == "-" {
			t.Fatalf("event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no runtime.evaluated event")
	}
}

func TestNonEvaluatingMethodsPublishNothing(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicRuntimeEvaluated)
	defer h.bus.Unsubscribe(sub)

	h.send(t, "Runtime.getProperties", map[string]any{"objectId": "1"})
	h.send(t, "Runtime.releaseObjectGroup", map[string]any{"objectGroup": "g"})
	h.d.recordEvaluation(context.Background(), MethodGetProperties, "", bus.OutcomeOK, "", time.Now())
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSpansCarryObjectAttributes(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	h := newHarness(t, func(c *Config) { c.Tracer = tp.Tracer("test") })

	h.send(t, "Runtime.evaluate", map[string]any{"expression": "({})", "objectGroup": "g1"})
	h.send(t, "Runtime.getProperties", map[string]any{"objectId": "1"})
	h.send(t, "Runtime.releaseObjectGroup", map[string]any{"objectGroup": "g1"})

	want := map[string][2]string{
		"dispatcher.Runtime.evaluate":           {"devbridge.object.group", "g1"},
		"dispatcher.Runtime.getProperties":      {"devbridge.object.id", "1"},
		"dispatcher.Runtime.releaseObjectGroup": {"devbridge.object.group", "g1"},
	}
	spans := sr.Ended()
	if len(spans) != len(want) {
		t.Fatalf("got %d spans, want %d", len(spans), len(want))
	}
	for _, span := range spans {
		kv, ok := want[span.Name()]
		if !ok {
			t.Fatalf("unexpected span %q", span.Name())
		}
		found := false
		for _, attr := range span.Attributes() {
			if string(attr.Key) == kv[0] && attr.Value.AsString() == kv[1] {
				found = true
			}
		}
		if !found {
			t.Fatalf("span %q missing %s=%s: %v", span.Name(), kv[0], kv[1], span.Attributes())
		}
	}
}

func TestSessionCloseResetsCache(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, "Runtime.evaluate", map[string]any{"expression": "({})"})
	h.s.Close()
	res := evalResult(t, h.send(t, "Runtime.evaluate", map[string]any{"expression": "({})"}))
	if res.Result.ObjectID != "1" {
		t.Fatalf("id after close = %q, want 1", res.Result.ObjectID)
	}
}
