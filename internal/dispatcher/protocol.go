package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/basket/devbridge/internal/remote"
)

// JSON-RPC style error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Push methods sent without a request.
const (
	EventExecutionContextCreated = "Runtime.executionContextCreated"
	EventConsoleAPICalled        = "Runtime.consoleAPICalled"
)

// Request is one inbound message. Content is only used by the legacy
// "eval" command.
type Request struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Content string          `json:"content,omitempty"`
}

// Response is a correlated reply. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is an unsolicited push.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Error is a protocol-level failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: "invalid params: " + fmt.Sprintf(format, args...)}
}

// empty is the `{}` result.
type empty struct{}

type evaluateParams struct {
	Expression        string `json:"expression"`
	ObjectGroup       string `json:"objectGroup"`
	ThrowOnSideEffect bool   `json:"throwOnSideEffect"`
}

type callArgument struct {
	ObjectID            string          `json:"objectId"`
	Value               json.RawMessage `json:"value"`
	UnserializableValue string          `json:"unserializableValue"`
}

type callFunctionOnParams struct {
	ObjectID            string         `json:"objectId"`
	FunctionDeclaration string         `json:"functionDeclaration"`
	Arguments           []callArgument `json:"arguments"`
}

type objectIDParams struct {
	ObjectID string `json:"objectId"`
}

type errorObjectIDParams struct {
	ErrorObjectID string `json:"errorObjectId"`
}

type objectGroupParams struct {
	ObjectGroup string `json:"objectGroup"`
}

// EvaluateResult is the reply to evaluate and callFunctionOn.
type EvaluateResult struct {
	Result           remote.RemoteObject      `json:"result"`
	ExceptionDetails *remote.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// PropertiesResult is the reply to getProperties.
type PropertiesResult struct {
	Result []remote.PropertyDescriptor `json:"result"`
}

// ExceptionDetailsResult is the reply to getExceptionDetails.
type ExceptionDetailsResult struct {
	ExceptionDetails remote.ExceptionDetails `json:"exceptionDetails"`
}

// ScopeNamesResult is the reply to globalLexicalScopeNames.
type ScopeNamesResult struct {
	Names []string `json:"names"`
}

type debuggerEnableResult struct {
	DebuggerID string `json:"debuggerId"`
}

// ExecutionContext describes the single script context.
type ExecutionContext struct {
	ID       string     `json:"id"`
	Origin   string     `json:"origin"`
	Name     string     `json:"name"`
	UniqueID string     `json:"uniqueId"`
	AuxData  AuxContext `json:"auxData"`
}

type AuxContext struct {
	IsDefault bool `json:"isDefault"`
}

type executionContextCreated struct {
	Context ExecutionContext `json:"context"`
}

// ConsoleAPICalled is the payload of a console push.
type ConsoleAPICalled struct {
	Type               string                `json:"type"`
	Args               []remote.RemoteObject `json:"args"`
	ExecutionContextID int                   `json:"executionContextId"`
	Timestamp          float64               `json:"timestamp"`
	StackTrace         StackTrace            `json:"stackTrace"`
}

// StackTrace is always empty; frames are not collected.
type StackTrace struct {
	CallFrames []struct{} `json:"callFrames"`
}
