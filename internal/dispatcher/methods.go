package dispatcher

// Method enumerates every protocol command the dispatcher understands.
type Method uint8

const (
	MethodEnable Method = iota
	MethodEvaluate
	MethodCompileScript
	MethodCallFunctionOn
	MethodGlobalLexicalScopeNames
	MethodGetProperties
	MethodGetExceptionDetails
	MethodReleaseObjectGroup
	MethodReleaseObject
	MethodDiscardConsoleEntries
	MethodLegacyEval
	MethodRunIfWaitingForDebugger
	MethodRuntimeDisable
	MethodDebuggerEnable
	MethodProfilerEnable
	MethodLogEnable

	methodCount
)

var methodNames = [...]string{
	MethodEnable:                  "Runtime.enable",
	MethodEvaluate:                "Runtime.evaluate",
	MethodCompileScript:           "Runtime.compileScript",
	MethodCallFunctionOn:          "Runtime.callFunctionOn",
	MethodGlobalLexicalScopeNames: "Runtime.globalLexicalScopeNames",
	MethodGetProperties:           "Runtime.getProperties",
	MethodGetExceptionDetails:     "Runtime.getExceptionDetails",
	MethodReleaseObjectGroup:      "Runtime.releaseObjectGroup",
	MethodReleaseObject:           "Runtime.releaseObject",
	MethodDiscardConsoleEntries:   "Runtime.discardConsoleEntries",
	MethodLegacyEval:              "eval",
	MethodRunIfWaitingForDebugger: "Runtime.runIfWaitingForDebugger",
	MethodRuntimeDisable:          "Runtime.disable",
	MethodDebuggerEnable:          "Debugger.enable",
	MethodProfilerEnable:          "Profiler.enable",
	MethodLogEnable:               "Log.enable",
}

// Adding a Method without a name fails to compile.
var _ = [1]int{}[len(methodNames)-int(methodCount)]

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, methodCount)
	for i, name := range methodNames {
		m[name] = Method(i)
	}
	return m
}()

// ParseMethod maps a wire name to its Method.
func ParseMethod(name string) (Method, bool) {
	m, ok := methodsByName[name]
	return m, ok
}

func (m Method) String() string {
	if m < methodCount {
		return methodNames[m]
	}
	return "unknown"
}

// Evaluates reports whether the method runs client-supplied code.
func (m Method) Evaluates() bool {
	switch m {
	case MethodEvaluate, MethodCallFunctionOn, MethodLegacyEval:
		return true
	}
	return false
}
