package svd

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

type xmlDevice struct {
	Name        string          `xml:"name"`
	Size        string          `xml:"size"`
	Access      string          `xml:"access"`
	ResetValue  string          `xml:"resetValue"`
	Peripherals []xmlPeripheral `xml:"peripherals>peripheral"`
}

type xmlPeripheral struct {
	DerivedFrom string `xml:"derivedFrom,attr"`
	Name        string `xml:"name"`
	Description string `xml:"description"`
	GroupName   string `xml:"groupName"`
	BaseAddress string `xml:"baseAddress"`
	Size        string `xml:"size"`
	Access      string `xml:"access"`
	ResetValue  string `xml:"resetValue"`
	Registers   *struct {
		Registers []xmlRegister `xml:"register"`
		Clusters  []xmlCluster  `xml:"cluster"`
	} `xml:"registers"`
}

type xmlDim struct {
	Dim          string `xml:"dim"`
	DimIncrement string `xml:"dimIncrement"`
	DimIndex     string `xml:"dimIndex"`
}

type xmlCluster struct {
	xmlDim
	DerivedFrom   string        `xml:"derivedFrom,attr"`
	Name          string        `xml:"name"`
	AddressOffset string        `xml:"addressOffset"`
	Registers     []xmlRegister `xml:"register"`
	Clusters      []xmlCluster  `xml:"cluster"`
}

type xmlRegister struct {
	xmlDim
	DerivedFrom   string     `xml:"derivedFrom,attr"`
	Name          string     `xml:"name"`
	Description   string     `xml:"description"`
	AddressOffset string     `xml:"addressOffset"`
	Size          string     `xml:"size"`
	Access        string     `xml:"access"`
	ResetValue    string     `xml:"resetValue"`
	Fields        []xmlField `xml:"fields>field"`
}

type xmlField struct {
	xmlDim
	Name             string `xml:"name"`
	Description      string `xml:"description"`
	BitOffset        string `xml:"bitOffset"`
	BitWidth         string `xml:"bitWidth"`
	LSB              string `xml:"lsb"`
	MSB              string `xml:"msb"`
	BitRange         string `xml:"bitRange"`
	Access           string `xml:"access"`
	EnumeratedValues []struct {
		Values []struct {
			Name        string `xml:"name"`
			Description string `xml:"description"`
			Value       string `xml:"value"`
		} `xml:"enumeratedValue"`
	} `xml:"enumeratedValues"`
}

// defaults are the register properties inherited from enclosing elements.
type defaults struct {
	size       int
	access     string
	resetValue uint64
}

func (d defaults) override(size, access, reset string) (defaults, error) {
	if size != "" {
		n, err := parseNumber(size)
		if err != nil {
			return d, errors.Wrap(err, "size")
		}
		d.size = int(n)
	}
	if access != "" {
		d.access = access
	}
	if reset != "" {
		n, err := parseNumber(reset)
		if err != nil {
			return d, errors.Wrap(err, "resetValue")
		}
		d.resetValue = n
	}
	return d, nil
}

func parseSVD(data []byte) (*Catalog, error) {
	var dev xmlDevice
	if err := xml.Unmarshal(data, &dev); err != nil {
		return nil, err
	}
	devDefaults, err := defaults{size: 32, access: "read-write"}.override(dev.Size, dev.Access, dev.ResetValue)
	if err != nil {
		return nil, errors.Wrap(err, "device")
	}

	c := &Catalog{Name: dev.Name}
	byName := make(map[string]*xmlPeripheral, len(dev.Peripherals))
	for i := range dev.Peripherals {
		byName[dev.Peripherals[i].Name] = &dev.Peripherals[i]
	}

	for i := range dev.Peripherals {
		xp := &dev.Peripherals[i]
		p, err := buildPeripheral(xp, byName, devDefaults)
		if err != nil {
			return nil, errors.Wrapf(err, "peripheral %s", xp.Name)
		}
		c.Peripherals = append(c.Peripherals, p)
	}
	return c, nil
}

func buildPeripheral(xp *xmlPeripheral, byName map[string]*xmlPeripheral, dd defaults) (*Peripheral, error) {
	base, err := parseNumber(xp.BaseAddress)
	if err != nil {
		return nil, errors.Wrap(err, "baseAddress")
	}
	p := &Peripheral{
		Name:        xp.Name,
		Description: cleanText(xp.Description),
		GroupName:   xp.GroupName,
		BaseAddress: base,
	}

	// A derived peripheral takes everything it does not redefine from its
	// base, registers included.
	src := xp
	for seen := 0; src.DerivedFrom != "" && src.Registers == nil; seen++ {
		parent, ok := byName[src.DerivedFrom]
		if !ok {
			return nil, errors.Errorf("derivedFrom unknown peripheral %s", src.DerivedFrom)
		}
		if seen > len(byName) {
			return nil, errors.New("derivedFrom cycle")
		}
		if p.Description == "" {
			p.Description = cleanText(parent.Description)
		}
		if p.GroupName == "" {
			p.GroupName = parent.GroupName
		}
		src = parent
	}
	pd, err := dd.override(src.Size, src.Access, src.ResetValue)
	if err != nil {
		return nil, err
	}
	if pd, err = pd.override(xp.Size, xp.Access, xp.ResetValue); err != nil {
		return nil, err
	}
	if src.Registers == nil {
		return p, nil
	}

	b := &builder{p: p}
	if err := b.registers(src.Registers.Registers, "", base, pd); err != nil {
		return nil, err
	}
	for _, cl := range src.Registers.Clusters {
		if err := b.cluster(cl, "", base, pd); err != nil {
			return nil, err
		}
	}
	return p, nil
}

type builder struct {
	p *Peripheral
}

func (b *builder) cluster(cl xmlCluster, prefix string, base uint64, d defaults) error {
	off, err := parseNumber(cl.AddressOffset)
	if err != nil {
		return errors.Wrapf(err, "cluster %s addressOffset", cl.Name)
	}
	return expandDim(cl.xmlDim, cl.Name, func(name string, delta uint64) error {
		addr := base + off + delta
		pre := prefix + strings.TrimSuffix(name, "[]") + "_"
		if err := b.registers(cl.Registers, pre, addr, d); err != nil {
			return err
		}
		for _, sub := range cl.Clusters {
			if err := b.cluster(sub, pre, addr, d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *builder) registers(regs []xmlRegister, prefix string, base uint64, d defaults) error {
	byName := make(map[string]xmlRegister, len(regs))
	for _, xr := range regs {
		byName[xr.Name] = xr
	}
	for _, xr := range regs {
		if xr.DerivedFrom != "" {
			parent, ok := byName[xr.DerivedFrom]
			if !ok {
				return errors.Errorf("register %s derivedFrom unknown register %s", xr.Name, xr.DerivedFrom)
			}
			if len(xr.Fields) == 0 {
				xr.Fields = parent.Fields
			}
			if xr.Description == "" {
				xr.Description = parent.Description
			}
			if xr.Size == "" {
				xr.Size = parent.Size
			}
		}
		if err := b.register(xr, prefix, base, d); err != nil {
			return errors.Wrapf(err, "register %s", xr.Name)
		}
	}
	return nil
}

func (b *builder) register(xr xmlRegister, prefix string, base uint64, d defaults) error {
	off, err := parseNumber(xr.AddressOffset)
	if err != nil {
		return errors.Wrap(err, "addressOffset")
	}
	rd, err := d.override(xr.Size, xr.Access, xr.ResetValue)
	if err != nil {
		return err
	}
	fields, err := buildFields(xr.Fields, rd.access)
	if err != nil {
		return err
	}
	return expandDim(xr.xmlDim, xr.Name, func(name string, delta uint64) error {
		r := &Register{
			Name:        prefix + name,
			Description: cleanText(xr.Description),
			Peripheral:  b.p,
			Address:     base + off + delta,
			Size:        rd.size,
			ResetValue:  rd.resetValue,
			Access:      rd.access,
			Fields:      fields,
		}
		r.sortFields()
		b.p.Registers = append(b.p.Registers, r)
		return nil
	})
}

func buildFields(xfs []xmlField, access string) ([]*Field, error) {
	var fields []*Field
	for _, xf := range xfs {
		offset, width, err := fieldBits(xf)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", xf.Name)
		}
		var values []*EnumValue
		for _, ev := range xf.EnumeratedValues {
			for _, v := range ev.Values {
				if v.Value == "" {
					continue // isDefault entries carry no value
				}
				n, err := parseNumber(v.Value)
				if err != nil {
					return nil, errors.Wrapf(err, "field %s value %s", xf.Name, v.Name)
				}
				values = append(values, &EnumValue{Name: v.Name, Description: cleanText(v.Description), Value: n})
			}
		}
		fa := access
		if xf.Access != "" {
			fa = xf.Access
		}
		err = expandDim(xf.xmlDim, xf.Name, func(name string, delta uint64) error {
			fields = append(fields, &Field{
				Name:        name,
				Description: cleanText(xf.Description),
				BitOffset:   offset + int(delta),
				BitWidth:    width,
				Access:      fa,
				Values:      values,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// fieldBits reads the position of a field in any of the three forms SVD
// allows.
func fieldBits(xf xmlField) (offset, width int, err error) {
	switch {
	case xf.BitOffset != "":
		o, err := parseNumber(xf.BitOffset)
		if err != nil {
			return 0, 0, err
		}
		w := uint64(1)
		if xf.BitWidth != "" {
			if w, err = parseNumber(xf.BitWidth); err != nil {
				return 0, 0, err
			}
		}
		return int(o), int(w), nil
	case xf.LSB != "" && xf.MSB != "":
		lsb, err := parseNumber(xf.LSB)
		if err != nil {
			return 0, 0, err
		}
		msb, err := parseNumber(xf.MSB)
		if err != nil {
			return 0, 0, err
		}
		return int(lsb), int(msb-lsb) + 1, nil
	case xf.BitRange != "":
		msb, lsb, err := parseBitRange(xf.BitRange)
		if err != nil || msb < lsb {
			return 0, 0, errors.Errorf("bad bitRange %q", xf.BitRange)
		}
		return lsb, msb - lsb + 1, nil
	}
	return 0, 0, errors.New("no bit position")
}

// parseBitRange parses a "[msb:lsb]" bit range.
func parseBitRange(s string) (msb, lsb int, err error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	hi, lo, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, errors.New("missing ':'")
	}
	if msb, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
		return 0, 0, err
	}
	if lsb, err = strconv.Atoi(strings.TrimSpace(lo)); err != nil {
		return 0, 0, err
	}
	return msb, lsb, nil
}

// expandDim calls fn once per element of a dim array, or once for a plain
// element. "%s" in the name is replaced by the element index.
func expandDim(d xmlDim, name string, fn func(name string, delta uint64) error) error {
	if d.Dim == "" {
		return fn(name, 0)
	}
	n, err := parseNumber(d.Dim)
	if err != nil {
		return errors.Wrap(err, "dim")
	}
	inc, err := parseNumber(d.DimIncrement)
	if err != nil {
		return errors.Wrap(err, "dimIncrement")
	}
	idx, err := dimIndexes(d.DimIndex, int(n))
	if err != nil {
		return err
	}
	for i, s := range idx {
		if err := fn(strings.ReplaceAll(name, "%s", s), uint64(i)*inc); err != nil {
			return err
		}
	}
	return nil
}

func dimIndexes(spec string, n int) ([]string, error) {
	var idx []string
	switch {
	case spec == "":
		for i := 0; i < n; i++ {
			idx = append(idx, strconv.Itoa(i))
		}
	case strings.Contains(spec, "-") && !strings.Contains(spec, ","):
		lo, hi, _ := strings.Cut(spec, "-")
		a, err1 := strconv.Atoi(strings.TrimSpace(lo))
		b, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 == nil && err2 == nil {
			for i := a; i <= b; i++ {
				idx = append(idx, strconv.Itoa(i))
			}
		} else if len(lo) == 1 && len(hi) == 1 {
			for c := lo[0]; c <= hi[0]; c++ {
				idx = append(idx, string(c))
			}
		}
	default:
		for _, s := range strings.Split(spec, ",") {
			idx = append(idx, strings.TrimSpace(s))
		}
	}
	if len(idx) != n {
		return nil, errors.Errorf("dimIndex %q does not have %d elements", spec, n)
	}
	return idx, nil
}

// parseNumber reads the scaled non-negative integers of SVD: decimal,
// 0x hexadecimal, or #binary where 'x' bits are taken as zero.
func parseNumber(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return 0, errors.New("missing number")
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return strconv.ParseUint(s[2:], 16, 64)
	case strings.HasPrefix(s, "#"):
		return strconv.ParseUint(strings.NewReplacer("x", "0", "X", "0").Replace(s[1:]), 2, 64)
	case strings.HasPrefix(s, "0b"), strings.HasPrefix(s, "0B"):
		return strconv.ParseUint(s[2:], 2, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
