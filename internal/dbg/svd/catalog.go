// Package svd describes the memory-mapped peripheral registers of a chip,
// loaded from a CMSIS-SVD file or a YAML description.
package svd

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-faster/errors"

	"gni.dev/probedap/internal/dbg"
)

type Catalog struct {
	Name        string
	Peripherals []*Peripheral

	byName map[string]*Peripheral
	// regs is sorted by address.
	regs []*Register
}

type Peripheral struct {
	Name        string
	Description string
	GroupName   string
	BaseAddress uint64
	Registers   []*Register
}

type Register struct {
	// Name is unique within the peripheral. Registers of clusters are
	// named CLUSTER_REG.
	Name        string
	Description string
	Peripheral  *Peripheral
	Address     uint64
	// Size is the width in bits.
	Size       int
	ResetValue uint64
	Access     string
	Fields     []*Field
}

// FullName returns PERIPH.REG.
func (r *Register) FullName() string {
	return r.Peripheral.Name + "." + r.Name
}

type Field struct {
	Name        string
	Description string
	BitOffset   int
	BitWidth    int
	Access      string
	Values      []*EnumValue
}

func (f *Field) mask() uint64 {
	if f.BitWidth >= 64 {
		return ^uint64(0)
	}
	return (uint64(1)<<f.BitWidth - 1) << f.BitOffset
}

// Extract returns the field's value within a register value.
func (f *Field) Extract(raw uint64) uint64 {
	return (raw & f.mask()) >> f.BitOffset
}

// Insert returns raw with the field set to v.
func (f *Field) Insert(raw, v uint64) uint64 {
	return raw&^f.mask() | (v<<f.BitOffset)&f.mask()
}

type EnumValue struct {
	Name        string
	Description string
	Value       uint64
}

// FieldValue is a field decoded from a register value.
type FieldValue struct {
	Field *Field
	Value uint64
	// Enum is the name of the enumerated value, if the field has one for
	// Value.
	Enum string
}

func (v FieldValue) String() string {
	if v.Enum != "" {
		return fmt.Sprintf("%s (%#x)", v.Enum, v.Value)
	}
	return fmt.Sprintf("%#x", v.Value)
}

// LoadFile reads a chip description, SVD or YAML.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read chip description")
	}
	return Load(data, path)
}

// Load parses a chip description. XML content is read as CMSIS-SVD,
// anything else as YAML.
func Load(data []byte, hint string) (*Catalog, error) {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	var (
		c      *Catalog
		err    error
		format string
	)
	if bytes.HasPrefix(trimmed, []byte("<")) {
		format = "SVD"
		c, err = parseSVD(trimmed)
	} else {
		format = "YAML chip description"
		c, err = parseYAML(trimmed)
	}
	if err != nil {
		return nil, &dbg.FormatParseError{Path: hint, Format: format, Err: err}
	}
	c.index()
	return c, nil
}

func (c *Catalog) index() {
	c.byName = make(map[string]*Peripheral, len(c.Peripherals))
	c.regs = c.regs[:0]
	for _, p := range c.Peripherals {
		c.byName[strings.ToUpper(p.Name)] = p
		for _, r := range p.Registers {
			r.Peripheral = p
			c.regs = append(c.regs, r)
		}
	}
	sort.SliceStable(c.regs, func(i, j int) bool { return c.regs[i].Address < c.regs[j].Address })
}

// Peripheral returns the named peripheral, ignoring case.
func (c *Catalog) Peripheral(name string) (*Peripheral, bool) {
	p, ok := c.byName[strings.ToUpper(name)]
	return p, ok
}

// Lookup resolves "PERIPH.REG" or "PERIPH.REG.FIELD". The field is nil for
// the first form.
func (c *Catalog) Lookup(name string) (*Register, *Field, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, nil, errors.Errorf("%q is not PERIPHERAL.REGISTER[.FIELD]", name)
	}
	p, ok := c.Peripheral(parts[0])
	if !ok {
		return nil, nil, errors.Errorf("unknown peripheral %s", parts[0])
	}
	r, ok := p.Register(parts[1])
	if !ok {
		return nil, nil, errors.Errorf("unknown register %s.%s", p.Name, parts[1])
	}
	if len(parts) == 2 {
		return r, nil, nil
	}
	f, ok := r.Field(parts[2])
	if !ok {
		return nil, nil, errors.Errorf("unknown field %s.%s", r.FullName(), parts[2])
	}
	return r, f, nil
}

func (p *Peripheral) Register(name string) (*Register, bool) {
	for _, r := range p.Registers {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return nil, false
}

func (r *Register) Field(name string) (*Field, bool) {
	for _, f := range r.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return nil, false
}

// RegisterAt returns the register mapped at addr.
func (c *Catalog) RegisterAt(addr uint64) (*Register, bool) {
	i := sort.Search(len(c.regs), func(i int) bool { return c.regs[i].Address >= addr })
	if i < len(c.regs) && c.regs[i].Address == addr {
		return c.regs[i], true
	}
	return nil, false
}

// Decode splits the value of the register at addr into its fields.
func (c *Catalog) Decode(addr, raw uint64) (*Register, []FieldValue, error) {
	r, ok := c.RegisterAt(addr)
	if !ok {
		return nil, nil, errors.Errorf("no register at %#x", addr)
	}
	return r, r.Decode(raw), nil
}

// Decode splits raw into the register's fields, lowest bit first.
func (r *Register) Decode(raw uint64) []FieldValue {
	out := make([]FieldValue, 0, len(r.Fields))
	for _, f := range r.Fields {
		v := FieldValue{Field: f, Value: f.Extract(raw)}
		for _, e := range f.Values {
			if e.Value == v.Value {
				v.Enum = e.Name
				break
			}
		}
		out = append(out, v)
	}
	return out
}

func (r *Register) sortFields() {
	sort.SliceStable(r.Fields, func(i, j int) bool { return r.Fields[i].BitOffset < r.Fields[j].BitOffset })
}
