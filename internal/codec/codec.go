package codec

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"kronoterm_gateway/internal/catalog"
)

var (
	// ErrNotWritable is returned when a write is attempted on a read-only register.
	ErrNotWritable = errors.New("register is not writable")
	// ErrOutOfRange is returned when an encoded value does not fit a 16-bit word.
	ErrOutOfRange = errors.New("encoded value out of 16-bit range")
)

// modbusSentinelFloor marks the start of the firmware's reserved error
// band on Modbus. Unsigned kinds never carry real readings at or above
// it. Signed kinds cannot honor the band because moderate sub-zero
// readings land in it as two's complement words (-12.5 °C is raw 65411);
// they rely on their explicit sentinel markers instead.
const modbusSentinelFloor = 64000

func isAbsentWord(def catalog.Definition, raw uint16) bool {
	if def.IsSentinel(raw) {
		return true
	}
	if raw < modbusSentinelFloor {
		return false
	}
	switch def.Kind {
	case catalog.KindSigned16, catalog.KindTemperature, catalog.KindPressure, catalog.KindCOP:
		return false
	default:
		return true
	}
}

// Reading is one decoded register value. Absent readings represent a
// probe that is physically not connected, which is distinct from a
// decode failure.
type Reading struct {
	Address uint16
	Name    string
	Kind    catalog.Kind
	Raw     uint16
	Value   interface{}
	Unit    string
	Absent  bool
}

// Decode interprets a Modbus holding-register word according to the
// catalog entry. Sentinel detection runs before any kind dispatch so an
// unconnected probe can never masquerade as a reading.
func Decode(def catalog.Definition, raw uint16) (Reading, error) {
	reading := Reading{Address: def.Address, Name: def.Name, Kind: def.Kind, Raw: raw, Unit: def.Unit}
	if isAbsentWord(def, raw) {
		reading.Absent = true
		return reading, nil
	}
	switch def.Kind {
	case catalog.KindBitmask:
		if def.Bit == nil {
			return Reading{}, fmt.Errorf("decode %s: bitmask entry without bit index", def.Name)
		}
		reading.Value = (raw>>*def.Bit)&1 == 1
	case catalog.KindBinary:
		reading.Value = raw != 0
	case catalog.KindEnum:
		reading.Value = enumLabel(def, raw)
	case catalog.KindSigned16:
		reading.Value = scaleInteger(int64(int16(raw)), def.EffectiveScale())
	case catalog.KindComposite32:
		return Reading{}, fmt.Errorf("decode %s: composite register needs two words", def.Name)
	case catalog.KindTemperature, catalog.KindPressure, catalog.KindCOP:
		reading.Value = scaleRounded(int64(int16(raw)), def.EffectiveScale())
	case catalog.KindPercent, catalog.KindPower, catalog.KindHours, catalog.KindRawUint16:
		reading.Value = scaleInteger(int64(raw), def.EffectiveScale())
	default:
		return Reading{}, fmt.Errorf("decode %s: unsupported kind %q", def.Name, def.Kind)
	}
	return reading, nil
}

// DecodeComposite combines two consecutive words into a 32-bit reading.
// The first register carries the high word.
func DecodeComposite(def catalog.Definition, hi, lo uint16) (Reading, error) {
	if def.Kind != catalog.KindComposite32 {
		return Reading{}, fmt.Errorf("decode %s: kind %q is not composite", def.Name, def.Kind)
	}
	reading := Reading{Address: def.Address, Name: def.Name, Kind: def.Kind, Raw: hi, Unit: def.Unit}
	if def.IsSentinel(hi) && def.IsSentinel(lo) {
		reading.Absent = true
		return reading, nil
	}
	dword := uint32(hi)<<16 | uint32(lo)
	reading.Value = scaleInteger(int64(dword), def.EffectiveScale())
	return reading, nil
}

// DecodeScalar interprets a cloud JSON scalar. The cloud API pre-scales
// values server-side, so only the per-entry cloud scale applies. The
// reserved Modbus error band does not exist on this transport; only the
// entry's explicit sentinel set is honored.
func DecodeScalar(def catalog.Definition, value float64) (Reading, error) {
	reading := Reading{Address: def.Address, Name: def.Name, Kind: def.Kind, Unit: def.Unit}
	if isIntegral(value) && value >= 0 && value <= math.MaxUint16 {
		word := uint16(value)
		reading.Raw = word
		if def.IsSentinel(word) {
			reading.Absent = true
			return reading, nil
		}
	}
	switch def.Kind {
	case catalog.KindBitmask:
		if def.Bit == nil {
			return Reading{}, fmt.Errorf("decode %s: bitmask entry without bit index", def.Name)
		}
		if !isIntegral(value) || value < 0 || value > math.MaxUint16 {
			return Reading{}, fmt.Errorf("decode %s: bitmask value %v is not a 16-bit word", def.Name, value)
		}
		reading.Value = (uint16(value)>>*def.Bit)&1 == 1
	case catalog.KindBinary:
		reading.Value = value != 0
	case catalog.KindEnum:
		if !isIntegral(value) || value < 0 || value > math.MaxUint16 {
			return Reading{}, fmt.Errorf("decode %s: enum value %v is not a 16-bit word", def.Name, value)
		}
		reading.Value = enumLabel(def, uint16(value))
	case catalog.KindTemperature, catalog.KindPressure, catalog.KindCOP:
		scaled := decimal.NewFromFloat(value).Mul(decimal.NewFromFloat(def.EffectiveCloudScale()))
		reading.Value = scaled.Round(2).InexactFloat64()
	case catalog.KindSigned16, catalog.KindPercent, catalog.KindPower, catalog.KindHours,
		catalog.KindRawUint16, catalog.KindComposite32:
		scale := def.EffectiveCloudScale()
		if isIntegral(value) && scale == 1 {
			reading.Value = int64(value)
		} else {
			reading.Value = value * scale
		}
	default:
		return Reading{}, fmt.Errorf("decode %s: unsupported kind %q", def.Name, def.Kind)
	}
	return reading, nil
}

// Encode converts a typed value into the raw word written to a Modbus
// holding register. It is the inverse of Decode for writable kinds.
func Encode(def catalog.Definition, value interface{}) (uint16, error) {
	if !def.Access.Writable() {
		return 0, fmt.Errorf("encode %s: %w", def.Name, ErrNotWritable)
	}
	switch def.Kind {
	case catalog.KindBinary:
		on, err := toBool(value)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", def.Name, err)
		}
		if on {
			return 1, nil
		}
		return 0, nil
	case catalog.KindEnum:
		return encodeEnum(def, value)
	case catalog.KindTemperature, catalog.KindPressure, catalog.KindCOP,
		catalog.KindPercent, catalog.KindPower, catalog.KindHours,
		catalog.KindSigned16, catalog.KindRawUint16:
		number, err := toFloat(value)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", def.Name, err)
		}
		scaled := decimal.NewFromFloat(number).Div(decimal.NewFromFloat(def.EffectiveScale()))
		raw := scaled.Round(0).IntPart()
		if raw < math.MinInt16 || raw > math.MaxUint16 {
			return 0, fmt.Errorf("encode %s: raw %d: %w", def.Name, raw, ErrOutOfRange)
		}
		if raw < 0 {
			raw += 65536
		}
		return uint16(raw), nil
	default:
		return 0, fmt.Errorf("encode %s: kind %q is not writable", def.Name, def.Kind)
	}
}

// EncodeCloud renders the form parameter value for a cloud write.
func EncodeCloud(def catalog.Definition, value interface{}) (string, error) {
	if !def.Access.Writable() {
		return "", fmt.Errorf("encode %s: %w", def.Name, ErrNotWritable)
	}
	switch def.Kind {
	case catalog.KindBinary:
		on, err := toBool(value)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", def.Name, err)
		}
		if on {
			return "1", nil
		}
		return "0", nil
	case catalog.KindEnum:
		code, err := encodeEnum(def, value)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(code), 10), nil
	default:
		number, err := toFloat(value)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", def.Name, err)
		}
		scaled := decimal.NewFromFloat(number).Div(decimal.NewFromFloat(def.EffectiveCloudScale()))
		return scaled.String(), nil
	}
}

func encodeEnum(def catalog.Definition, value interface{}) (uint16, error) {
	switch v := value.(type) {
	case string:
		for code, label := range def.EnumLabels {
			if label == v {
				return code, nil
			}
		}
		return 0, fmt.Errorf("encode %s: unknown enum label %q", def.Name, v)
	default:
		number, err := toFloat(value)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", def.Name, err)
		}
		if !isIntegral(number) || number < 0 || number > math.MaxUint16 {
			return 0, fmt.Errorf("encode %s: enum code %v: %w", def.Name, number, ErrOutOfRange)
		}
		code := uint16(number)
		if _, ok := def.EnumLabels[code]; !ok {
			return 0, fmt.Errorf("encode %s: unknown enum code %d", def.Name, code)
		}
		return code, nil
	}
}

func enumLabel(def catalog.Definition, raw uint16) string {
	if label, ok := def.EnumLabels[raw]; ok {
		return label
	}
	// The label set is known to be incomplete on some firmware; an
	// unmapped code must stay readable instead of failing the entry.
	return fmt.Sprintf("unknown(%d)", raw)
}

func scaleRounded(raw int64, scale float64) float64 {
	scaled := decimal.NewFromInt(raw).Mul(decimal.NewFromFloat(scale))
	return scaled.Round(2).InexactFloat64()
}

func scaleInteger(raw int64, scale float64) interface{} {
	if scale == 1 {
		return raw
	}
	return decimal.NewFromInt(raw).Mul(decimal.NewFromFloat(scale)).InexactFloat64()
}

func isIntegral(value float64) bool {
	return value == math.Trunc(value) && !math.IsInf(value, 0) && !math.IsNaN(value)
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("expected boolean value, got %T", value)
	}
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("value %v is not finite", v)
		}
		return v, nil
	case float32:
		return toFloat(float64(v))
	case int:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", value)
	}
}
