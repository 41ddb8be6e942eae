package catalog

import (
	"fmt"
	"sort"
)

// Kind describes how the raw register content must be interpreted.
type Kind string

const (
	// KindRawUint16 passes the register word through unscaled.
	KindRawUint16 Kind = "raw_uint16"
	// KindSigned16 interprets the word as a two's complement integer.
	KindSigned16 Kind = "signed16"
	// KindTemperature is a scaled fixed-point temperature.
	KindTemperature Kind = "temperature"
	// KindPressure is a scaled fixed-point pressure.
	KindPressure Kind = "pressure"
	// KindCOP is a scaled coefficient of performance.
	KindCOP Kind = "cop"
	// KindPercent is an integral percentage.
	KindPercent Kind = "percent"
	// KindPower is an integral power reading.
	KindPower Kind = "power"
	// KindHours is an integral operating-hours counter.
	KindHours Kind = "hours"
	// KindEnum maps the word onto a label table.
	KindEnum Kind = "enum"
	// KindBinary treats any non-zero word as true.
	KindBinary Kind = "binary"
	// KindBitmask extracts a single bit from the word.
	KindBitmask Kind = "bitmask"
	// KindComposite32 combines the register with its successor into a 32-bit value.
	KindComposite32 Kind = "composite32"
)

// Access describes the permitted direction of a register.
type Access string

const (
	AccessRead      Access = "r"
	AccessWrite     Access = "w"
	AccessReadWrite Access = "rw"
)

// Readable reports whether the register may be polled.
func (a Access) Readable() bool {
	return a == AccessRead || a == AccessReadWrite
}

// Writable reports whether the register accepts writes.
func (a Access) Writable() bool {
	return a == AccessWrite || a == AccessReadWrite
}

// Definition is one immutable catalog entry. The address doubles as the
// canonical key for readings regardless of the active transport; cloud
// entries additionally carry the JSON group and field the value lives in.
type Definition struct {
	Address    uint16
	Name       string
	Kind       Kind
	Scale      float64
	Unit       string
	Access     Access
	Bit        *uint8
	EnumLabels map[uint16]string
	Sentinels  []uint16

	// CloudGroup selects the logical page the cloud API serves the value
	// on, CloudKey the dotted path inside that page's JSON document.
	// Entries without a CloudKey are Modbus-only.
	CloudGroup string
	CloudKey   string
	// CloudScale replaces Scale on the cloud transport. The cloud API
	// pre-scales server-side, so this is almost always 1.
	CloudScale float64
}

// EffectiveCloudScale returns the multiplier for cloud raw values.
func (d Definition) EffectiveCloudScale() float64 {
	if d.CloudScale == 0 {
		return 1
	}
	return d.CloudScale
}

// EffectiveScale returns the multiplier for Modbus raw words.
func (d Definition) EffectiveScale() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

// IsSentinel reports whether the raw word is one of the entry's
// "sensor not connected" markers.
func (d Definition) IsSentinel(raw uint16) bool {
	for _, s := range d.Sentinels {
		if raw == s {
			return true
		}
	}
	return false
}

// Transport identifies which driver the catalog is being consulted for.
type Transport string

const (
	TransportModbus Transport = "modbus"
	TransportCloud  Transport = "cloud"
)

// Catalog is the static register table. It is validated once during
// construction and never mutated afterwards.
type Catalog struct {
	byAddress map[uint16]Definition
	ordered   []Definition
}

// New validates the provided definitions and builds a catalog. A single
// malformed entry fails the whole load; a partially valid catalog would
// silently corrupt decoded readings.
func New(defs []Definition) (*Catalog, error) {
	byAddress := make(map[uint16]Definition, len(defs))
	composites := make(map[uint16]struct{})
	for _, def := range defs {
		if err := validate(def); err != nil {
			return nil, err
		}
		if _, ok := byAddress[def.Address]; ok {
			return nil, fmt.Errorf("catalog: duplicate address %d", def.Address)
		}
		byAddress[def.Address] = def
		if def.Kind == KindComposite32 {
			composites[def.Address] = struct{}{}
		}
	}
	for addr := range composites {
		if _, ok := byAddress[addr+1]; ok {
			return nil, fmt.Errorf("catalog: composite register %d overlaps entry %d", addr, addr+1)
		}
	}
	ordered := make([]Definition, 0, len(byAddress))
	for _, def := range byAddress {
		ordered = append(ordered, def)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Address < ordered[j].Address })
	return &Catalog{byAddress: byAddress, ordered: ordered}, nil
}

func validate(def Definition) error {
	if def.Address == 0 {
		return fmt.Errorf("catalog: entry %q missing address", def.Name)
	}
	if def.Name == "" {
		return fmt.Errorf("catalog: entry %d missing name", def.Address)
	}
	if def.Kind == "" {
		return fmt.Errorf("catalog: entry %d (%s) missing kind", def.Address, def.Name)
	}
	if !def.Access.Readable() && !def.Access.Writable() {
		return fmt.Errorf("catalog: entry %d (%s) has invalid access %q", def.Address, def.Name, def.Access)
	}
	switch def.Kind {
	case KindBitmask:
		if def.Bit == nil {
			return fmt.Errorf("catalog: bitmask entry %d (%s) missing bit", def.Address, def.Name)
		}
		if *def.Bit > 15 {
			return fmt.Errorf("catalog: entry %d (%s) bit %d out of word range", def.Address, def.Name, *def.Bit)
		}
		if len(def.EnumLabels) > 0 {
			return fmt.Errorf("catalog: bitmask entry %d (%s) must not carry enum labels", def.Address, def.Name)
		}
	case KindEnum:
		if len(def.EnumLabels) == 0 {
			return fmt.Errorf("catalog: enum entry %d (%s) missing labels", def.Address, def.Name)
		}
		if def.Bit != nil {
			return fmt.Errorf("catalog: enum entry %d (%s) must not carry a bit index", def.Address, def.Name)
		}
	default:
		if def.Bit != nil {
			return fmt.Errorf("catalog: entry %d (%s) of kind %s must not carry a bit index", def.Address, def.Name, def.Kind)
		}
		if len(def.EnumLabels) > 0 {
			return fmt.Errorf("catalog: entry %d (%s) of kind %s must not carry enum labels", def.Address, def.Name, def.Kind)
		}
	}
	if def.Access.Writable() {
		switch def.Kind {
		case KindBitmask, KindComposite32:
			return fmt.Errorf("catalog: entry %d (%s) of kind %s cannot be writable", def.Address, def.Name, def.Kind)
		}
	}
	return nil
}

// Get looks up a definition by address.
func (c *Catalog) Get(address uint16) (Definition, bool) {
	def, ok := c.byAddress[address]
	return def, ok
}

// All returns every definition ordered by address.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Writable returns the subset of definitions that accept writes.
func (c *Catalog) Writable() []Definition {
	out := make([]Definition, 0, len(c.ordered))
	for _, def := range c.ordered {
		if def.Access.Writable() {
			out = append(out, def)
		}
	}
	return out
}

// ForTransport returns the readable definitions the given transport can
// serve. Modbus covers the whole table; the cloud API only exposes
// entries with a mapped JSON field.
func (c *Catalog) ForTransport(t Transport) []Definition {
	out := make([]Definition, 0, len(c.ordered))
	for _, def := range c.ordered {
		if !def.Access.Readable() {
			continue
		}
		if t == TransportCloud && def.CloudKey == "" {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.ordered)
}
