// Package interp implements the evaluation machine: it steps typed IR
// bodies against an allocation-based memory model, detecting undefined
// behavior in the evaluated program and producing constant results.
package interp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/ferrite/mir"
)

// ---------------------------------------------------------------------------
// Fault Classification
// ---------------------------------------------------------------------------

// Class separates the ways evaluation stops early. The distinction is
// load-bearing: a Fault means the evaluated program is wrong, an
// Invariant means this machine or its embedder is wrong, and a Stop
// means nobody is wrong (budget exhausted, canceled). All three are
// ordinary errors; the machine never takes the host process down.
type Class uint8

const (
	ClassFault Class = iota + 1
	ClassInvariant
	ClassStop
)

func (c Class) String() string {
	switch c {
	case ClassFault:
		return "fault"
	case ClassInvariant:
		return "invariant violation"
	case ClassStop:
		return "stopped"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// FaultKind names what went wrong in the evaluated program.
type FaultKind uint8

const (
	FaultNone FaultKind = iota

	// Memory faults.
	FaultOutOfBounds
	FaultDangling
	FaultUninit
	FaultMisaligned
	FaultImmutableWrite
	FaultDoubleFree
	FaultInvalidDealloc
	FaultPointerAsBytes // reading pointer bytes as plain data
	FaultBytesAsPointer // reading plain data as a pointer
	FaultLeak

	// Arithmetic faults.
	FaultOverflow
	FaultDivByZero
	FaultRemByZero
	FaultPointerComparison

	// Typed-value faults.
	FaultInvalidBool
	FaultInvalidChar
	FaultInvalidDiscriminant
	FaultInvalidStr
	FaultNullRef
	FaultOutOfRange
	FaultUninhabited

	// Control faults.
	FaultUnreachable
	FaultAssert
	FaultAbort
	FaultStackOverflow
	FaultDeadLocal
	FaultUnknownSymbol
	FaultInvalidFnPtr
	FaultSignatureMismatch
	FaultNoImpl
	FaultInvalidVTable
	FaultUnsupported

	// Internal kinds (ClassInvariant).
	FaultUnsupportedRepr // value representation cannot serve the request
)

var faultNames = map[FaultKind]string{
	FaultOutOfBounds:         "out-of-bounds access",
	FaultDangling:            "dangling pointer",
	FaultUninit:              "uninitialized read",
	FaultMisaligned:          "misaligned access",
	FaultImmutableWrite:      "write to immutable allocation",
	FaultDoubleFree:          "double free",
	FaultInvalidDealloc:      "invalid deallocation",
	FaultPointerAsBytes:      "pointer read as raw bytes",
	FaultBytesAsPointer:      "raw bytes read as pointer",
	FaultLeak:                "memory leak",
	FaultOverflow:            "arithmetic overflow",
	FaultDivByZero:           "division by zero",
	FaultRemByZero:           "remainder by zero",
	FaultPointerComparison:   "invalid pointer comparison",
	FaultInvalidBool:         "invalid bool",
	FaultInvalidChar:         "invalid char",
	FaultInvalidDiscriminant: "invalid enum discriminant",
	FaultInvalidStr:          "invalid str data",
	FaultNullRef:             "null reference",
	FaultOutOfRange:          "value out of valid range",
	FaultUninhabited:         "value of uninhabited type",
	FaultUnreachable:         "reached unreachable code",
	FaultAssert:              "assertion failed",
	FaultAbort:               "program aborted",
	FaultStackOverflow:       "stack overflow",
	FaultDeadLocal:           "access to dead local",
	FaultUnknownSymbol:       "unknown function symbol",
	FaultInvalidFnPtr:        "invalid function pointer",
	FaultSignatureMismatch:   "function signature mismatch",
	FaultNoImpl:              "missing trait implementation",
	FaultInvalidVTable:       "invalid vtable pointer",
	FaultUnsupported:         "unsupported operation",
	FaultUnsupportedRepr:     "unsupported value representation",
}

func (k FaultKind) String() string {
	if s, ok := faultNames[k]; ok {
		return s
	}
	return fmt.Sprintf("fault(%d)", uint8(k))
}

// ---------------------------------------------------------------------------
// EvalError
// ---------------------------------------------------------------------------

// EvalError is the single error type evaluation produces. Check Class
// before interpreting Kind: only ClassFault blames the evaluated
// program.
type EvalError struct {
	Class Class
	Kind  FaultKind
	Msg   string

	// Where evaluation was when the error arose; Loc.Fn == "" when
	// the error happened outside stepping (setup, interning).
	Loc       mir.Location
	Backtrace []mir.Location

	// Path into the value for validity faults, e.g. ".0[2].<deref>".
	Path string
}

func (e *EvalError) Error() string {
	var b strings.Builder
	b.WriteString(e.Class.String())
	if e.Kind != FaultNone {
		b.WriteString(": ")
		b.WriteString(e.Kind.String())
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (at %s)", e.Path)
	}
	if e.Loc.Fn != "" {
		fmt.Fprintf(&b, " [%s]", e.Loc)
	}
	return b.String()
}

// fault blames the evaluated program.
func fault(kind FaultKind, format string, args ...any) *EvalError {
	return &EvalError{Class: ClassFault, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// invariant blames the machine or its embedder, never the program.
func invariant(format string, args ...any) *EvalError {
	return &EvalError{Class: ClassInvariant, Msg: fmt.Sprintf(format, args...)}
}

// unsupportedRepr is the named violation for a Value whose variant
// cannot serve the requested interpretation.
func unsupportedRepr(format string, args ...any) *EvalError {
	return &EvalError{Class: ClassInvariant, Kind: FaultUnsupportedRepr, Msg: fmt.Sprintf(format, args...)}
}

// stop reports a neutral halt: fuel, cancellation, frame caps.
func stop(format string, args ...any) *EvalError {
	return &EvalError{Class: ClassStop, Msg: fmt.Sprintf(format, args...)}
}

// AsEvalError unwraps err to an *EvalError if one is in its chain.
func AsEvalError(err error) (*EvalError, bool) {
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsFault reports whether err is a target-program fault.
func IsFault(err error) bool {
	ee, ok := AsEvalError(err)
	return ok && ee.Class == ClassFault
}

// IsInvariant reports whether err is a machine invariant violation.
func IsInvariant(err error) bool {
	ee, ok := AsEvalError(err)
	return ok && ee.Class == ClassInvariant
}

// IsStop reports whether err is a neutral stop (fuel, cancellation).
func IsStop(err error) bool {
	ee, ok := AsEvalError(err)
	return ok && ee.Class == ClassStop
}

// FaultKindOf extracts the fault kind, or FaultNone.
func FaultKindOf(err error) FaultKind {
	if ee, ok := AsEvalError(err); ok {
		return ee.Kind
	}
	return FaultNone
}
