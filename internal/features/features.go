package features

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"kronoterm_gateway/internal/codec"
)

// Flags report which optional subsystems are physically present on the
// unit. They gate which higher-level entities are meaningful and are
// recomputed from every snapshot.
type Flags struct {
	Loop1Installed            bool `json:"loop1_installed"`
	Loop2Installed            bool `json:"loop2_installed"`
	DHWInstalled              bool `json:"dhw_installed"`
	PoolInstalled             bool `json:"pool_installed"`
	ReservoirInstalled        bool `json:"reservoir_installed"`
	AdditionalSourceInstalled bool `json:"additional_source_installed"`
}

// Get looks a flag up by its snake_case name.
func (f Flags) Get(name string) bool {
	switch name {
	case "loop1_installed":
		return f.Loop1Installed
	case "loop2_installed":
		return f.Loop2Installed
	case "dhw_installed":
		return f.DHWInstalled
	case "pool_installed":
		return f.PoolInstalled
	case "reservoir_installed":
		return f.ReservoirInstalled
	case "additional_source_installed":
		return f.AdditionalSourceInstalled
	default:
		return false
	}
}

// Rule binds one flag to a boolean expression over the snapshot.
type Rule struct {
	Flag       string `yaml:"flag"`
	Expression string `yaml:"expression"`
}

// DefaultRules encode the two-path detection the firmware forces on us:
// prefer the dedicated installed-flag register, fall back to a proxy
// heuristic because some firmware revisions never expose the flag. Both
// paths absent means not installed.
func DefaultRules() []Rule {
	return []Rule{
		{Flag: "loop1_installed", Expression: `flag(2430) || has(2130)`},
		{Flag: "loop2_installed", Expression: `flag(2431) || reg(2049) > 0 || has(2160)`},
		{Flag: "dhw_installed", Expression: `flag(2432) || has(2103)`},
		{Flag: "pool_installed", Expression: `flag(2433) || reg(2050) > 0 || has(2162)`},
		{Flag: "reservoir_installed", Expression: `flag(2434) || has(2131)`},
		{Flag: "additional_source_installed", Expression: `flag(2435) || bit(2045, 0)`},
	}
}

// Deriver evaluates compiled flag rules against snapshots. Compilation
// happens once; evaluation must stay cheap because it runs every cycle.
type Deriver struct {
	programs map[string]*vm.Program
	logger   zerolog.Logger
}

// NewDeriver compiles the given rules. An empty rule set falls back to
// the defaults. Rules for unknown flags or with broken expressions fail
// construction.
func NewDeriver(rules []Rule, logger zerolog.Logger) (*Deriver, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	deriver := &Deriver{
		programs: make(map[string]*vm.Program, len(rules)),
		logger:   logger.With().Str("component", "features").Logger(),
	}
	for _, rule := range rules {
		if !knownFlag(rule.Flag) {
			return nil, fmt.Errorf("features: unknown flag %q", rule.Flag)
		}
		if _, ok := deriver.programs[rule.Flag]; ok {
			return nil, fmt.Errorf("features: duplicate rule for flag %q", rule.Flag)
		}
		program, err := expr.Compile(rule.Expression, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("features: compile rule for %q: %w", rule.Flag, err)
		}
		deriver.programs[rule.Flag] = program
	}
	return deriver, nil
}

func knownFlag(name string) bool {
	switch name {
	case "loop1_installed", "loop2_installed", "dhw_installed",
		"pool_installed", "reservoir_installed", "additional_source_installed":
		return true
	}
	return false
}

// Derive evaluates every rule against the readings. Evaluation errors
// leave the flag false; absence of evidence means not installed.
func (d *Deriver) Derive(readings map[uint16]codec.Reading) Flags {
	env := snapshotEnv(readings)
	var flags Flags
	for name, program := range d.programs {
		out, err := expr.Run(program, env)
		if err != nil {
			d.logger.Debug().Err(err).Str("flag", name).Msg("flag rule evaluation failed")
			continue
		}
		value, ok := out.(bool)
		if !ok || !value {
			continue
		}
		switch name {
		case "loop1_installed":
			flags.Loop1Installed = true
		case "loop2_installed":
			flags.Loop2Installed = true
		case "dhw_installed":
			flags.DHWInstalled = true
		case "pool_installed":
			flags.PoolInstalled = true
		case "reservoir_installed":
			flags.ReservoirInstalled = true
		case "additional_source_installed":
			flags.AdditionalSourceInstalled = true
		}
	}
	return flags
}

// snapshotEnv exposes the readings to rule expressions:
//
//	reg(addr)   numeric value, 0 when missing or absent
//	has(addr)   true when the register produced a real reading
//	flag(addr)  boolean value of a binary/bitmask register
//	bit(addr,n) bit n of the raw register word
//	label(addr) enum label, "" when missing
func snapshotEnv(readings map[uint16]codec.Reading) map[string]interface{} {
	lookup := func(addr int) (codec.Reading, bool) {
		if addr < 0 || addr > 0xFFFF {
			return codec.Reading{}, false
		}
		reading, ok := readings[uint16(addr)]
		if !ok || reading.Absent {
			return codec.Reading{}, false
		}
		return reading, true
	}
	return map[string]interface{}{
		"reg": func(addr int) float64 {
			reading, ok := lookup(addr)
			if !ok {
				return 0
			}
			switch v := reading.Value.(type) {
			case float64:
				return v
			case int64:
				return float64(v)
			default:
				return 0
			}
		},
		"has": func(addr int) bool {
			_, ok := lookup(addr)
			return ok
		},
		"flag": func(addr int) bool {
			reading, ok := lookup(addr)
			if !ok {
				return false
			}
			value, ok := reading.Value.(bool)
			return ok && value
		},
		"bit": func(addr, n int) bool {
			reading, ok := lookup(addr)
			if !ok || n < 0 || n > 15 {
				return false
			}
			return (reading.Raw>>uint(n))&1 == 1
		},
		"label": func(addr int) string {
			reading, ok := lookup(addr)
			if !ok {
				return ""
			}
			label, _ := reading.Value.(string)
			return label
		},
	}
}
