package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/ferrite/constcache"
	"github.com/chazu/ferrite/interp"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/target"
)

// Connect procedure paths. There is no generated schema; clients use
// these with the CBOR codec.
const (
	ProcEvaluate    = "/ferrite.v1.EvalService/Evaluate"
	ProcListTargets = "/ferrite.v1.EvalService/ListTargets"
	ProcHealth      = "/ferrite.v1.EvalService/Health"
)

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// EvaluateRequest asks for one evaluation of a wire-encoded program.
type EvaluateRequest struct {
	// Program is a FIRE wire-format module (mir.Encode output).
	Program []byte `cbor:"1,keyasint"`
	// Entry names the body to evaluate; empty means the program's
	// declared entry.
	Entry string `cbor:"2,keyasint,omitempty"`
	// Target is a built-in target name; empty means the default.
	Target string `cbor:"3,keyasint,omitempty"`
	// Mode is "const" (default) or "check".
	Mode string `cbor:"4,keyasint,omitempty"`
	// Fuel caps step count; 0 means unlimited.
	Fuel uint64 `cbor:"5,keyasint,omitempty"`
}

// FaultInfo describes why evaluation stopped early.
type FaultInfo struct {
	Class    string `cbor:"1,keyasint"`
	Kind     string `cbor:"2,keyasint,omitempty"`
	Message  string `cbor:"3,keyasint,omitempty"`
	Location string `cbor:"4,keyasint,omitempty"`
	Path     string `cbor:"5,keyasint,omitempty"`
}

// EvaluateResponse carries either a finished outcome or a fault.
// Invariant violations never appear here; they surface as transport
// errors with CodeInternal, keeping the two fault classes apart.
type EvaluateResponse struct {
	Success bool            `cbor:"1,keyasint"`
	Outcome *interp.Outcome `cbor:"2,keyasint,omitempty"`
	Fault   *FaultInfo      `cbor:"3,keyasint,omitempty"`
	Cached  bool            `cbor:"4,keyasint,omitempty"`
}

// TargetInfo describes one built-in target.
type TargetInfo struct {
	Name        string `cbor:"1,keyasint"`
	PointerSize uint64 `cbor:"2,keyasint"`
	Endian      string `cbor:"3,keyasint"`
}

// ListTargetsRequest is empty.
type ListTargetsRequest struct{}

// ListTargetsResponse lists the targets this server evaluates for.
type ListTargetsResponse struct {
	Targets []TargetInfo `cbor:"1,keyasint"`
}

// HealthRequest is empty.
type HealthRequest struct{}

// HealthResponse reports server liveness.
type HealthResponse struct {
	Status string `cbor:"1,keyasint"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// EvalService implements the evaluation handlers.
type EvalService struct {
	worker *MachineWorker
	cache  *constcache.Cache
}

// NewEvalService creates an EvalService. cache may be nil.
func NewEvalService(worker *MachineWorker, cache *constcache.Cache) *EvalService {
	return &EvalService{worker: worker, cache: cache}
}

// Evaluate decodes, evaluates, and renders one program entry.
func (s *EvalService) Evaluate(
	ctx context.Context,
	req *connect.Request[EvaluateRequest],
) (*connect.Response[EvaluateResponse], error) {
	msg := req.Msg
	if len(msg.Program) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("program is required"))
	}

	prog, err := mir.Decode(msg.Program)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	spec := target.Default()
	if msg.Target != "" {
		spec, err = target.Lookup(msg.Target)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
	}

	entry := msg.Entry
	if entry == "" {
		entry = prog.Entry
	}
	if entry == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("program has no entry and none was named"))
	}
	if _, ok := prog.Body(entry); !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no body named %q", entry))
	}

	mode := interp.ModeConstEval
	switch msg.Mode {
	case "", "const":
	case "check":
		mode = interp.ModeCheck
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown mode %q", msg.Mode))
	}

	// Cache lookup applies to const-eval only; check mode is about the
	// run, not the result.
	var key [32]byte
	if s.cache != nil && mode == interp.ModeConstEval {
		key, err = constcache.Key(prog, entry, spec.Name)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		if out, cerr := s.cache.Get(key); cerr == nil {
			log.Debugf("cache hit for %s on %s", entry, spec.Name)
			return connect.NewResponse(&EvaluateResponse{Success: true, Outcome: out, Cached: true}), nil
		} else if !errors.Is(cerr, constcache.ErrMiss) {
			log.Warningf("cache read failed: %v", cerr)
		}
	}

	res, err := s.worker.Do(ctx, func() any {
		var out *interp.Outcome
		var eerr error
		if mode == interp.ModeConstEval {
			out, eerr = interp.ConstEval(ctx, prog, entry, spec, interp.WithFuel(msg.Fuel))
		} else {
			out, eerr = interp.Check(ctx, prog, entry, spec, interp.WithFuel(msg.Fuel))
		}
		if eerr != nil {
			return eerr
		}
		return out
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	switch v := res.(type) {
	case *interp.Outcome:
		if s.cache != nil && mode == interp.ModeConstEval {
			if cerr := s.cache.Put(key, v); cerr != nil {
				log.Warningf("cache write failed: %v", cerr)
			}
		}
		return connect.NewResponse(&EvaluateResponse{Success: true, Outcome: v}), nil

	case error:
		ee, ok := interp.AsEvalError(v)
		if !ok || interp.IsInvariant(v) {
			return nil, connect.NewError(connect.CodeInternal, v)
		}
		info := &FaultInfo{
			Class:   ee.Class.String(),
			Message: ee.Msg,
			Path:    ee.Path,
		}
		if ee.Kind != interp.FaultNone {
			info.Kind = ee.Kind.String()
		}
		if ee.Loc.Fn != "" {
			info.Location = ee.Loc.String()
		}
		return connect.NewResponse(&EvaluateResponse{Fault: info}), nil
	}
	return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("unexpected worker result %T", res))
}

// ListTargets reports the built-in target table.
func (s *EvalService) ListTargets(
	ctx context.Context,
	req *connect.Request[ListTargetsRequest],
) (*connect.Response[ListTargetsResponse], error) {
	var resp ListTargetsResponse
	for _, name := range target.Names() {
		spec, err := target.Lookup(name)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp.Targets = append(resp.Targets, TargetInfo{
			Name:        spec.Name,
			PointerSize: spec.PointerSize,
			Endian:      string(spec.Endian),
		})
	}
	return connect.NewResponse(&resp), nil
}

// Health reports liveness.
func (s *EvalService) Health(
	ctx context.Context,
	req *connect.Request[HealthRequest],
) (*connect.Response[HealthResponse], error) {
	return connect.NewResponse(&HealthResponse{Status: "ok"}), nil
}
