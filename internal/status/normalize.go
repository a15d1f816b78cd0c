package status

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Normalize turns a raw OPC-UA value into something a dashboard can render:
// a bool, number, string or nil. It never panics.
func Normalize(raw any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprint(raw)
		}
	}()

	switch v := raw.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		return finite(float64(v), v)
	case float64:
		return finite(v, v)
	case ua.LocalizedText:
		return v.Text
	case *ua.LocalizedText:
		if v == nil {
			return nil
		}
		return v.Text
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
	case *ua.Variant:
		if v == nil {
			return nil
		}
		return Normalize(v.Value())
	case *ua.DataValue:
		if v == nil || v.Value == nil {
			return nil
		}
		return Normalize(v.Value.Value())
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case []byte:
		return hex.EncodeToString(v)
	case *ua.NodeID:
		if v == nil {
			return nil
		}
		return v.String()
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(b)
}

// finite keeps v unless it cannot be JSON encoded.
func finite(f float64, v any) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}
