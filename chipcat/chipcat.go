// Package chipcat implements the chip descriptor catalog: per-chip
// memory maps, erase/write timings, CRC variant selection and key
// requirements, loaded from a YAML document and keyed by the project
// id a chip reports at unlock.
package chipcat

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ppmflash.dev/crcs"
)

// Memory describes one addressable memory region of a chip: its byte
// extent, page/erase geometry, and the per-unit timing the
// bootloader's timeout-shaping formulas need.
type Memory struct {
	StartAddress    uint32  `yaml:"start_address"`
	Length          uint32  `yaml:"length"`
	WriteableLength uint32  `yaml:"writeable_length"` // 0 means "same as Length".
	PageSizeBytes   uint32  `yaml:"page_size_bytes"`
	EraseUnitBytes  uint32  `yaml:"erase_unit_bytes"` // 0 for memories with no distinct erase unit (e.g. EEPROM).
	EraseTimeMS     float64 `yaml:"erase_time_ms"`
	WriteTimeMS     float64 `yaml:"write_time_ms"`
}

// Writeable returns WriteableLength, defaulting to Length when unset.
func (m Memory) Writeable() uint32 {
	if m.WriteableLength == 0 {
		return m.Length
	}
	return m.WriteableLength
}

// Chip is one catalog entry: everything the bootloader orchestrator
// needs to know about a project id before it can program or verify
// it, beyond what the protocol itself carries.
type Chip struct {
	Name                 string  `yaml:"name"`
	ProjectID            uint16  `yaml:"project_id"`
	CRCVariant           string  `yaml:"crc_variant"` // "a", "xfe", or "kf"
	Flash                Memory  `yaml:"flash"`
	FlashCS              *Memory `yaml:"flash_cs,omitempty"`
	Eeprom               *Memory `yaml:"eeprom,omitempty"`
	IUM                  *Memory `yaml:"ium,omitempty"`
	HasKeys              bool    `yaml:"has_keys"`
	SupportsEepromVerify bool    `yaml:"supports_eeprom_verify"`
}

// Variant resolves the chip's named CRC variant to the crcs package
// type, defaulting to VariantA for an empty or unrecognized name.
func (c Chip) Variant() crcs.FlashVariant {
	switch c.CRCVariant {
	case "xfe":
		return crcs.VariantXFE
	case "kf":
		return crcs.VariantKF
	default:
		return crcs.VariantA
	}
}

// Catalog is a loaded set of chip descriptors, indexed by project id.
type Catalog struct {
	chips map[uint16]Chip
}

type document struct {
	Chips []Chip `yaml:"chips"`
}

// ErrUnknownChip is returned by Lookup when no catalog entry matches
// a project id the chip reported at Unlock.
var ErrUnknownChip = fmt.Errorf("chipcat: unknown project id")

func fromDocument(doc document) *Catalog {
	c := &Catalog{chips: make(map[uint16]Chip, len(doc.Chips))}
	for _, chip := range doc.Chips {
		c.chips[chip.ProjectID] = chip
	}
	return c
}

// Parse loads a Catalog from a YAML document's bytes.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("chipcat: parse: %w", err)
	}
	return fromDocument(doc), nil
}

// Load reads and parses a catalog YAML file from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chipcat: load %s: %w", path, err)
	}
	return Parse(data)
}

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Default returns the catalog built into the binary, covering the
// project ids the bootloader ships known-good programming profiles
// for. Callers may still supply --catalog to override or extend it.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		// The embedded catalog is a build-time asset; a parse failure
		// here means the asset itself is broken, not a user input
		// error, so this is the one place chipcat panics.
		panic(fmt.Sprintf("chipcat: embedded default catalog is invalid: %v", err))
	}
	return c
}

// Lookup returns the chip descriptor for projectID, or ErrUnknownChip
// if the catalog has no entry for it.
func (c *Catalog) Lookup(projectID uint16) (Chip, error) {
	chip, ok := c.chips[projectID]
	if !ok {
		return Chip{}, fmt.Errorf("%w: %#04x", ErrUnknownChip, projectID)
	}
	return chip, nil
}

// Merge layers other's entries on top of c, with other's entries
// winning on a project-id collision. Used to apply a user-supplied
// --catalog file over the embedded defaults.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	merged := &Catalog{chips: make(map[uint16]Chip, len(c.chips)+len(other.chips))}
	for id, chip := range c.chips {
		merged.chips[id] = chip
	}
	for id, chip := range other.chips {
		merged.chips[id] = chip
	}
	return merged
}

// Len returns the number of chip entries in the catalog.
func (c *Catalog) Len() int { return len(c.chips) }
