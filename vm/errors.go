package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Host-facing errors
// ---------------------------------------------------------------------------

// ErrTerminated is returned when execution was stopped through the
// interrupt flag or a cancelled context. Termination is not catchable by
// guest code: try handlers are skipped during the unwind.
var ErrTerminated = errors.New("vm: execution terminated")

// ErrClosed is returned when the engine was already closed.
var ErrClosed = errors.New("vm: engine closed")

// ThrownError carries an uncaught guest exception to the host.
type ThrownError struct {
	Value Value
	Stack []StackEntry
}

func (e *ThrownError) Error() string {
	var sb strings.Builder
	sb.WriteString("vm: uncaught ")
	sb.WriteString(e.Value.Format())
	for _, fr := range e.Stack {
		fmt.Fprintf(&sb, "\n  at %s (%s:%d)", fr.Function, fr.Module, fr.PC)
	}
	return sb.String()
}

// Thrown returns the exception value of err when it is an uncaught guest
// exception.
func Thrown(err error) (Value, bool) {
	var te *ThrownError
	if errors.As(err, &te) {
		return te.Value, true
	}
	return Undefined, false
}

// ---------------------------------------------------------------------------
// In-flight guest exceptions
// ---------------------------------------------------------------------------

// thrown is an in-flight exception or termination inside the interpreter.
type thrown struct {
	value       Value
	stack       []StackEntry
	termination bool // interrupt unwind; skips try handlers
}

// guestError builds a standard error object value (TypeError, RangeError,
// ReferenceError) with the current stack attached by the thrower.
func (in *Interp) guestError(name, format string, args ...any) *thrown {
	msg := fmt.Sprintf(format, args...)
	stack := in.captureStack()
	return &thrown{
		value: in.engine.heap.AllocError(name, msg, stack),
		stack: stack,
	}
}

func (in *Interp) typeError(format string, args ...any) *thrown {
	return in.guestError("TypeError", format, args...)
}

func (in *Interp) rangeError(format string, args ...any) *thrown {
	return in.guestError("RangeError", format, args...)
}

func (in *Interp) referenceError(format string, args ...any) *thrown {
	return in.guestError("ReferenceError", format, args...)
}

// captureStack snapshots the live frame stack, innermost first.
func (in *Interp) captureStack() []StackEntry {
	out := make([]StackEntry, 0, len(in.frames))
	for i := len(in.frames) - 1; i >= 0; i-- {
		f := in.frames[i]
		out = append(out, StackEntry{
			Function: f.fn.Name,
			Module:   f.mod.Module.Name,
			PC:       f.pc,
		})
	}
	return out
}
