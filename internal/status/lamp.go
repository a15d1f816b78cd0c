package status

import (
	"math"
	"reflect"

	"printerstatus/internal/nodes"
)

// Lamp is the simplified health indicator shown for a node.
type Lamp string

const (
	LampOK      Lamp = "ok"
	LampWarning Lamp = "warning"
	LampError   Lamp = "error"
	LampUnknown Lamp = "unknown"
)

// DeriveLamp maps a boolean signal to a lamp according to its classification.
// Generic signals are informational and never degrade the lamp.
func DeriveLamp(on bool, class nodes.Classification) Lamp {
	switch class {
	case nodes.ClassError:
		if on {
			return LampError
		}
		return LampOK
	case nodes.ClassReady:
		if on {
			return LampOK
		}
		return LampWarning
	default:
		return LampOK
	}
}

// Truthy reports whether v counts as "on": nil, false, zero numbers, NaN and
// the empty string are off, everything else is on.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	case float64:
		return x != 0 && !math.IsNaN(x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
