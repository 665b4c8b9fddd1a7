// Package transfer decides whether a value produced by sandboxed code may
// safely cross the isolation boundary. A value is transferable when a
// structural deep-copy check passes, or, failing that, when it survives a
// serialize/deserialize round trip. Cyclic structures, live closures,
// channels, and raw pointers into the execution context are rejected.
package transfer

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotTransferable indicates a value cannot safely cross the sandbox
// boundary.
var ErrNotTransferable = errors.New("transfer: value cannot cross the sandbox boundary")

// maxDepth bounds structural recursion. Structures deeper than this are
// treated like cycles: rejected without attempting the round trip.
const maxDepth = 1000

// encMode serializes with Core Deterministic Encoding so the round trip
// is stable across runs.
var encMode cbor.EncMode

// decMode accepts standard CBOR back into map[string]any-shaped values.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transfer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transfer: CBOR decoder initialization failed: " + err.Error())
	}
}

// Check reports whether v may cross the boundary. A nil error means the
// value is transferable as-is.
func Check(v any) error {
	if v == nil {
		return nil
	}

	w := &walker{
		stack: make(map[visit]struct{}),
		done:  make(map[visit]struct{}),
	}
	w.walk(reflect.ValueOf(v), 0)

	if w.sawCycle {
		// The round trip cannot succeed on a cycle; fail immediately.
		return fmt.Errorf("%w: cyclic structure", ErrNotTransferable)
	}
	if w.err == nil {
		return nil
	}

	// Structural check failed for a reason other than a cycle (closure,
	// channel, raw pointer). The serialize round trip may still succeed,
	// e.g. when the offending value sits in an unexported field the codec
	// ignores.
	if rtErr := roundTrip(v); rtErr != nil {
		return fmt.Errorf("%w: %v", ErrNotTransferable, w.err)
	}
	return nil
}

// visit identifies a container currently on the walk stack.
type visit struct {
	ptr uintptr
	typ reflect.Type
}

// walker performs the structural deep-copy check. It records the first
// rejection and whether any cycle was seen, walking the whole structure
// rather than stopping at the first problem so that cycle detection is
// authoritative.
type walker struct {
	stack    map[visit]struct{}
	done     map[visit]struct{}
	sawCycle bool
	err      error
}

func (w *walker) reject(v reflect.Value) {
	if w.err == nil {
		w.err = fmt.Errorf("unsupported kind %s", v.Kind())
	}
}

func (w *walker) walk(v reflect.Value, depth int) {
	if depth > maxDepth {
		w.sawCycle = true
		return
	}

	switch v.Kind() {
	case reflect.Invalid:
		// nil interface element; nothing to copy.
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		// Plain data, copies by value.
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Uintptr:
		w.reject(v)
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem(), depth+1)
		}
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		w.enter(visit{v.Pointer(), v.Type()}, func() {
			w.walk(v.Elem(), depth+1)
		})
	case reflect.Map:
		if v.IsNil() {
			return
		}
		w.enter(visit{v.Pointer(), v.Type()}, func() {
			iter := v.MapRange()
			for iter.Next() {
				w.walk(iter.Key(), depth+1)
				w.walk(iter.Value(), depth+1)
			}
		})
	case reflect.Slice:
		if v.IsNil() {
			return
		}
		w.enter(visit{v.Pointer(), v.Type()}, func() {
			for i := 0; i < v.Len(); i++ {
				w.walk(v.Index(i), depth+1)
			}
		})
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i), depth+1)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			w.walk(v.Field(i), depth+1)
		}
	default:
		w.reject(v)
	}
}

// enter runs fn with the container on the stack. Re-entering a container
// that is already on the stack is a cycle. A container that has already
// been fully walked is legitimate sharing and is skipped, so each node is
// visited once and heavily shared DAGs stay linear in node count. A cycle
// cannot hide behind the memo: every cycle re-enters a container that is
// still on the stack before that container can complete.
func (w *walker) enter(key visit, fn func()) {
	if _, onStack := w.stack[key]; onStack {
		w.sawCycle = true
		return
	}
	if _, ok := w.done[key]; ok {
		return
	}
	w.stack[key] = struct{}{}
	fn()
	delete(w.stack, key)
	w.done[key] = struct{}{}
}

// roundTrip serializes and deserializes v, returning any failure.
func roundTrip(v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	var out any
	return decMode.Unmarshal(data, &out)
}
