package jsvm

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/basket/devbridge/internal/remote"
)

// The methods in this file implement remote.Inspector and the evaluation
// capability used by the dispatcher. They must only be called from inside
// Do or Run.

var _ remote.Inspector = (*VM)(nil)

func (vm *VM) value(v remote.Value) goja.Value {
	if gv, ok := v.(goja.Value); ok && gv != nil {
		return gv
	}
	if v == nil {
		return goja.Undefined()
	}
	return vm.rt.ToValue(v)
}

func (vm *VM) call(fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	return fn(goja.Undefined(), args...)
}

func (vm *VM) Kind(v remote.Value) remote.Kind {
	res, err := vm.call(vm.helpers.typeOf, vm.value(v))
	if err != nil {
		return remote.KindUnsupported
	}
	switch res.String() {
	case "undefined":
		return remote.KindUndefined
	case "number":
		return remote.KindNumber
	case "string":
		return remote.KindString
	case "boolean":
		return remote.KindBoolean
	case "symbol":
		return remote.KindSymbol
	case "function":
		return remote.KindFunction
	case "object":
		return remote.KindObject
	default:
		return remote.KindUnsupported
	}
}

func (vm *VM) IsNull(v remote.Value) bool {
	return goja.IsNull(vm.value(v))
}

func (vm *VM) Is(v remote.Value, s remote.Subtype) bool {
	gv := vm.value(v)
	var (
		res goja.Value
		err error
	)
	switch s {
	case remote.SubtypeNull:
		return goja.IsNull(gv)
	case remote.SubtypeArray:
		res, err = vm.call(vm.helpers.isArray, gv)
	case remote.SubtypeError:
		res, err = vm.call(vm.helpers.isInstance, gv, vm.helpers.errorCtor)
	case remote.SubtypePromise:
		res, err = vm.call(vm.helpers.isInstance, gv, vm.helpers.promiseCtor)
	case remote.SubtypeDate:
		res, err = vm.call(vm.helpers.isInstance, gv, vm.helpers.dateCtor)
	case remote.SubtypeArrayBuffer:
		res, err = vm.call(vm.helpers.isInstance, gv, vm.helpers.arrayBufferCtor)
	default:
		return false
	}
	return err == nil && res.ToBoolean()
}

func (vm *VM) Describe(v remote.Value) string {
	res, err := vm.call(vm.helpers.describe, vm.value(v))
	if err != nil {
		return ""
	}
	return res.String()
}

func (vm *VM) ClassName(v remote.Value) string {
	res, err := vm.call(vm.helpers.className, vm.value(v))
	if err != nil {
		return ""
	}
	return res.String()
}

func (vm *VM) Export(v remote.Value) any {
	gv := vm.value(v)
	if goja.IsUndefined(gv) || goja.IsNull(gv) {
		return nil
	}
	if _, ok := gv.(*goja.Symbol); ok {
		return nil
	}
	return gv.Export()
}

func (vm *VM) OwnProperties(v remote.Value) ([]remote.Property, error) {
	res, err := vm.call(vm.helpers.ownProperties, vm.value(v))
	if err != nil {
		return nil, err
	}
	arr := res.ToObject(vm.rt)
	n := int(arr.Get("length").ToInteger())
	out := make([]remote.Property, 0, n)
	for i := 0; i < n; i++ {
		rec := arr.Get(fmt.Sprint(i)).ToObject(vm.rt)
		out = append(out, remote.Property{
			Name:         rec.Get("0").String(),
			Enumerable:   rec.Get("1").ToBoolean(),
			Configurable: rec.Get("2").ToBoolean(),
			Value:        present(rec.Get("3")),
			Getter:       present(rec.Get("4")),
			Setter:       present(rec.Get("5")),
		})
	}
	return out, nil
}

// present maps undefined to an absent slot.
func present(v goja.Value) remote.Value {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	return v
}

func (vm *VM) Prototype(v remote.Value) (remote.Value, bool) {
	res, err := vm.call(vm.helpers.proto, vm.value(v))
	if err != nil || res == nil || goja.IsNull(res) || goja.IsUndefined(res) {
		return nil, false
	}
	return res, true
}

func (vm *VM) ErrorMessage(v remote.Value) string {
	res, err := vm.call(vm.helpers.message, vm.value(v))
	if err != nil {
		return ""
	}
	return res.String()
}

// Evaluate runs expression in the global scope. Thrown values (including
// syntax errors and interrupts) are returned with thrown set.
func (vm *VM) Evaluate(expression string) (result remote.Value, thrown bool) {
	if vm.evalTimeout > 0 {
		defer vm.armInterrupt(vm.evalTimeout)()
	}
	v, err := vm.rt.RunString(expression)
	if err != nil {
		return vm.thrownValue(err), true
	}
	return v, false
}

// armInterrupt interrupts the runtime once d elapses. The returned disarm
// func must run on the worker; it waits out a callback already in flight
// so a late Interrupt cannot leak into the next evaluation.
func (vm *VM) armInterrupt(d time.Duration) (disarm func()) {
	fired := make(chan struct{})
	t := time.AfterFunc(d, func() {
		defer close(fired)
		vm.rt.Interrupt(fmt.Sprintf("evaluation exceeded %s", d))
	})
	return func() {
		if !t.Stop() {
			<-fired
		}
		vm.rt.ClearInterrupt()
	}
}

// CallFunction compiles declaration as a function expression and calls it
// with this as receiver.
func (vm *VM) CallFunction(declaration string, this remote.Value, args []remote.Value) (result remote.Value, thrown bool) {
	fnVal, err := vm.rt.RunString("(" + declaration + ")")
	if err != nil {
		return vm.thrownValue(err), true
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return vm.NewError("TypeError", "functionDeclaration is not a function"), true
	}
	gargs := make([]goja.Value, len(args))
	for i, a := range args {
		gargs[i] = vm.value(a)
	}
	res, err := fn(vm.value(this), gargs...)
	if err != nil {
		return vm.thrownValue(err), true
	}
	return res, false
}

func (vm *VM) thrownValue(err error) remote.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		return ex.Value()
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		return vm.NewError("Error", fmt.Sprint(intr.Value()))
	}
	return vm.NewError("Error", err.Error())
}

// NewError constructs an instance of the named builtin error constructor.
func (vm *VM) NewError(ctor, message string) remote.Value {
	c, ok := vm.helpers.errorCtors[ctor]
	if !ok {
		c = vm.helpers.errorCtor
	}
	obj, err := vm.rt.New(c, vm.rt.ToValue(message))
	if err != nil {
		return vm.rt.NewGoError(errors.New(message))
	}
	return obj
}

// GlobalNames returns the enumerable own keys of the global object.
func (vm *VM) GlobalNames() []string {
	res, err := vm.call(vm.helpers.globalNames)
	if err != nil {
		return nil
	}
	var names []string
	if err := vm.rt.ExportTo(res, &names); err != nil {
		return nil
	}
	return names
}

// FromJSON builds a script value from a JSON document.
func (vm *VM) FromJSON(raw []byte) (remote.Value, error) {
	res, err := vm.call(vm.helpers.fromJSON, vm.rt.ToValue(string(raw)))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Number returns a script number.
func (vm *VM) Number(f float64) remote.Value {
	return vm.rt.ToValue(f)
}

// Template converts v to a string the way a template literal does.
func (vm *VM) Template(v remote.Value) (string, error) {
	res, err := vm.call(vm.helpers.template, vm.value(v))
	if err != nil {
		return "", err
	}
	return res.String(), nil
}
