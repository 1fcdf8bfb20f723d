package controller

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamDef is a configuration parameter stored in part of a mote register.
// A parameter starts BitPosition bits after byte Position, counting bits from
// the most significant, and spans Size bytes plus BitSize bits. Values are
// big-endian. In YAML both position and size take the "bytes.bits" form,
// e.g. position: 1.3 and size: 0.4.
type ParamDef struct {
	Name        string `yaml:"name" json:"name"`
	Register    uint8  `yaml:"register" json:"register"`
	Position    int    `yaml:"-" json:"position"`
	BitPosition int    `yaml:"-" json:"bit_position,omitempty"`
	Size        int    `yaml:"-" json:"size"`
	BitSize     int    `yaml:"-" json:"bit_size,omitempty"`
	Default     uint64 `yaml:"default" json:"default"`
}

// UnmarshalYAML decodes position and size from "bytes.bits" notation.
func (p *ParamDef) UnmarshalYAML(node *yaml.Node) error {
	type plain ParamDef
	var raw struct {
		plain    `yaml:",inline"`
		Position string `yaml:"position"`
		Size     string `yaml:"size"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = ParamDef(raw.plain)

	var err error
	if p.Position, p.BitPosition, err = parseBytesBits(raw.Position, "0"); err != nil {
		return fmt.Errorf("param %q position: %w", p.Name, err)
	}
	if p.Size, p.BitSize, err = parseBytesBits(raw.Size, "1"); err != nil {
		return fmt.Errorf("param %q size: %w", p.Name, err)
	}
	return nil
}

// parseBytesBits parses "B" or "B.b" with b in 0-7.
func parseBytesBits(s, def string) (int, int, error) {
	if s == "" {
		s = def
	}
	byteStr, bitStr, hasBits := strings.Cut(s, ".")
	bytes, err := strconv.Atoi(byteStr)
	if err != nil || bytes < 0 {
		return 0, 0, fmt.Errorf("bad value %q", s)
	}
	if !hasBits {
		return bytes, 0, nil
	}
	bits, err := strconv.Atoi(bitStr)
	if err != nil || bits < 0 || bits > 7 {
		return 0, 0, fmt.Errorf("bad bit count in %q", s)
	}
	return bytes, bits, nil
}

// bitOffset is the parameter's first bit, counted from the register's most
// significant bit.
func (p *ParamDef) bitOffset() int { return p.Position*8 + p.BitPosition }

// bitWidth is the parameter's width in bits.
func (p *ParamDef) bitWidth() int { return p.Size*8 + p.BitSize }

// EndpointDef names an endpoint register.
type EndpointDef struct {
	Register uint8  `yaml:"register" json:"register"`
	Name     string `yaml:"name" json:"name"`
	Unit     string `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// ProductDefinition describes one SWAP product.
type ProductDefinition struct {
	ID        uint32        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Params    []ParamDef    `yaml:"params,omitempty" json:"params,omitempty"`
	Endpoints []EndpointDef `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

// Param returns the parameter called name, or nil.
func (p *ProductDefinition) Param(name string) *ParamDef {
	for i := range p.Params {
		if p.Params[i].Name == name {
			return &p.Params[i]
		}
	}
	return nil
}

// ManufacturerGroup groups products under one manufacturer id.
type ManufacturerGroup struct {
	ID       uint32              `yaml:"id"`
	Name     string              `yaml:"name"`
	Products []ProductDefinition `yaml:"products"`
}

type productKey struct {
	manufacturer uint32
	product      uint32
}

// DeviceDB holds product definitions keyed by manufacturer and product id.
type DeviceDB struct {
	manufacturers map[uint32]string
	products      map[productKey]*ProductDefinition
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{
		manufacturers: make(map[uint32]string),
		products:      make(map[productKey]*ProductDefinition),
	}
}

// Add inserts a manufacturer with its products.
func (db *DeviceDB) Add(mg ManufacturerGroup) {
	db.manufacturers[mg.ID] = mg.Name
	for _, p := range mg.Products {
		cp := p
		db.products[productKey{mg.ID, p.ID}] = &cp
	}
}

// Lookup finds a product definition.
func (db *DeviceDB) Lookup(manufacturerID, productID uint32) *ProductDefinition {
	return db.products[productKey{manufacturerID, productID}]
}

// ManufacturerName returns the manufacturer name, or "" if unknown.
func (db *DeviceDB) ManufacturerName(id uint32) string {
	return db.manufacturers[id]
}

// Len returns the number of product definitions.
func (db *DeviceDB) Len() int {
	return len(db.products)
}

// deviceFile is the YAML structure for files in the devices directory.
type deviceFile struct {
	Manufacturers []ManufacturerGroup `yaml:"manufacturers"`
}

// LoadDeviceDir reads all *.yaml and *.yml files from dir.
// Returns an empty DeviceDB (not an error) if the directory doesn't exist or is empty.
func LoadDeviceDir(dir string, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		products := 0
		for _, mg := range df.Manufacturers {
			for _, p := range mg.Products {
				for _, pd := range p.Params {
					if w := pd.bitWidth(); w < 1 || w > 64 || pd.Position < 0 {
						return db, fmt.Errorf("%s: product %d param %q: bad position/size", path, p.ID, pd.Name)
					}
				}
			}
			db.Add(mg)
			products += len(mg.Products)
		}
		logger.Info("loaded device file", "path", filepath.Base(path), "products", products)
	}

	logger.Info("device database loaded", "files", len(matches), "products", db.Len())
	return db, nil
}
