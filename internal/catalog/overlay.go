package catalog

import (
	"fmt"
	"os"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Override adjusts a single catalog entry. Device models differ in probe
// placement and scaling, so deployments can ship a CUE overlay instead of
// patching the built-in table.
type Override struct {
	Address    uint16            `json:"address"`
	Name       *string           `json:"name,omitempty"`
	Kind       *string           `json:"kind,omitempty"`
	Scale      *float64          `json:"scale,omitempty"`
	Unit       *string           `json:"unit,omitempty"`
	Access     *string           `json:"access,omitempty"`
	Bit        *uint8            `json:"bit,omitempty"`
	Sentinels  *[]uint16         `json:"sentinels,omitempty"`
	EnumLabels map[string]string `json:"enum_labels,omitempty"`
	CloudGroup *string           `json:"cloud_group,omitempty"`
	CloudKey   *string           `json:"cloud_key,omitempty"`
	CloudScale *float64          `json:"cloud_scale,omitempty"`
	Disable    bool              `json:"disable,omitempty"`
}

// Overlay is a parsed overlay document.
type Overlay struct {
	Overrides []Override `json:"overrides"`
}

// LoadOverlay parses an overlay document from a CUE (or JSON) file.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("overlay: read %s: %w", path, err)
	}
	return ParseOverlay(data, path)
}

// ParseOverlay compiles and decodes an overlay document.
func ParseOverlay(data []byte, filename string) (*Overlay, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("overlay: compile %s: %w", filename, err)
	}
	overrides := value.LookupPath(cue.ParsePath("overrides"))
	if !overrides.Exists() {
		return nil, fmt.Errorf("overlay: %s missing overrides list", filename)
	}
	var overlay Overlay
	if err := overrides.Decode(&overlay.Overrides); err != nil {
		return nil, fmt.Errorf("overlay: decode %s: %w", filename, err)
	}
	return &overlay, nil
}

// NewWithOverlay applies the overlay on top of the provided definitions
// and validates the merged table. Overrides referencing unknown addresses
// fail the load.
func NewWithOverlay(defs []Definition, overlay *Overlay) (*Catalog, error) {
	if overlay == nil {
		return New(defs)
	}
	byAddress := make(map[uint16]int, len(defs))
	for i, def := range defs {
		byAddress[def.Address] = i
	}
	merged := make([]Definition, len(defs))
	copy(merged, defs)
	disabled := make(map[uint16]struct{})
	for _, ov := range overlay.Overrides {
		idx, ok := byAddress[ov.Address]
		if !ok {
			return nil, fmt.Errorf("overlay: override for unknown address %d", ov.Address)
		}
		if ov.Disable {
			disabled[ov.Address] = struct{}{}
			continue
		}
		def := merged[idx]
		if ov.Name != nil {
			def.Name = *ov.Name
		}
		if ov.Kind != nil {
			def.Kind = Kind(*ov.Kind)
		}
		if ov.Scale != nil {
			def.Scale = *ov.Scale
		}
		if ov.Unit != nil {
			def.Unit = *ov.Unit
		}
		if ov.Access != nil {
			def.Access = Access(*ov.Access)
		}
		if ov.Bit != nil {
			bit := *ov.Bit
			def.Bit = &bit
		}
		if ov.Sentinels != nil {
			def.Sentinels = append([]uint16(nil), (*ov.Sentinels)...)
		}
		if len(ov.EnumLabels) > 0 {
			labels, err := parseEnumLabels(ov.Address, ov.EnumLabels)
			if err != nil {
				return nil, err
			}
			def.EnumLabels = labels
		}
		if ov.CloudGroup != nil {
			def.CloudGroup = *ov.CloudGroup
		}
		if ov.CloudKey != nil {
			def.CloudKey = *ov.CloudKey
		}
		if ov.CloudScale != nil {
			def.CloudScale = *ov.CloudScale
		}
		merged[idx] = def
	}
	if len(disabled) > 0 {
		kept := merged[:0]
		for _, def := range merged {
			if _, ok := disabled[def.Address]; ok {
				continue
			}
			kept = append(kept, def)
		}
		merged = kept
	}
	return New(merged)
}

func parseEnumLabels(address uint16, raw map[string]string) (map[uint16]string, error) {
	labels := make(map[uint16]string, len(raw))
	for key, label := range raw {
		code, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("overlay: entry %d enum code %q is not a 16-bit integer", address, key)
		}
		labels[uint16(code)] = label
	}
	return labels, nil
}
