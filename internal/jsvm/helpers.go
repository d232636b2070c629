package jsvm

import (
	"fmt"

	"github.com/dop251/goja"
)

// helperSource builds the reflection helpers. The returned object is kept
// on the Go side only; nothing is added to the global scope.
const helperSource = `(function () {
	"use strict";
	var getProto = Object.getPrototypeOf;
	var ownKeys = Reflect.ownKeys;
	var getOwn = Object.getOwnPropertyDescriptor;
	var keys = Object.keys;
	var global = globalThis;
	return {
		typeOf: function (v) { return typeof v; },
		describe: function (v) {
			if (typeof v === "object" && v !== null) {
				try {
					if (typeof v.toString === "function") {
						var s = v.toString();
						if (s) { return String(s); }
					}
				} catch (e) {}
				var tag;
				try { tag = v[Symbol.toStringTag]; } catch (e) {}
				return "[object " + (tag || "Object") + "]";
			}
			return String(v);
		},
		className: function (v) {
			try {
				var c = v.constructor;
				return c && typeof c.name === "string" ? c.name : "";
			} catch (e) {
				return "";
			}
		},
		ownProperties: function (o) {
			return ownKeys(o).map(function (k) {
				var d = getOwn(o, k);
				return [String(k), !!d.enumerable, !!d.configurable, d.value, d.get, d.set];
			});
		},
		proto: function (o) {
			try { return getProto(o); } catch (e) { return null; }
		},
		isInstance: function (v, C) {
			try { return v instanceof C; } catch (e) { return false; }
		},
		isArray: Array.isArray,
		message: function (e) {
			try { return String(e.message); } catch (x) { return ""; }
		},
		template: function (v) { return ` + "`${v}`" + `; },
		fromJSON: function (s) { return JSON.parse(s); },
		globalNames: function () { return keys(global); }
	};
})()`

// helpers are the compiled reflection helpers plus the builtin
// constructors captured before any user script could replace them.
type helpers struct {
	typeOf        goja.Callable
	describe      goja.Callable
	className     goja.Callable
	ownProperties goja.Callable
	proto         goja.Callable
	isInstance    goja.Callable
	isArray       goja.Callable
	message       goja.Callable
	template      goja.Callable
	fromJSON      goja.Callable
	globalNames   goja.Callable

	errorCtor       *goja.Object
	promiseCtor     *goja.Object
	dateCtor        *goja.Object
	arrayBufferCtor *goja.Object
	errorCtors      map[string]*goja.Object
}

func (h *helpers) compile(rt *goja.Runtime) error {
	v, err := rt.RunString(helperSource)
	if err != nil {
		return err
	}
	obj := v.ToObject(rt)
	fns := map[string]*goja.Callable{
		"typeOf":        &h.typeOf,
		"describe":      &h.describe,
		"className":     &h.className,
		"ownProperties": &h.ownProperties,
		"proto":         &h.proto,
		"isInstance":    &h.isInstance,
		"isArray":       &h.isArray,
		"message":       &h.message,
		"template":      &h.template,
		"fromJSON":      &h.fromJSON,
		"globalNames":   &h.globalNames,
	}
	for name, dst := range fns {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return fmt.Errorf("helper %s is not a function", name)
		}
		*dst = fn
	}

	ctor := func(name string) (*goja.Object, error) {
		c, ok := rt.Get(name).(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("global %s missing", name)
		}
		return c, nil
	}
	if h.errorCtor, err = ctor("Error"); err != nil {
		return err
	}
	if h.promiseCtor, err = ctor("Promise"); err != nil {
		return err
	}
	if h.dateCtor, err = ctor("Date"); err != nil {
		return err
	}
	if h.arrayBufferCtor, err = ctor("ArrayBuffer"); err != nil {
		return err
	}
	h.errorCtors = map[string]*goja.Object{"Error": h.errorCtor}
	for _, name := range []string{"EvalError", "TypeError", "RangeError", "SyntaxError", "ReferenceError"} {
		c, err := ctor(name)
		if err != nil {
			return err
		}
		h.errorCtors[name] = c
	}
	return nil
}
