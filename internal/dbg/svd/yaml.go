package svd

import (
	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

// The YAML chip description is a flattened SVD:
//
//	name: STM32F401
//	peripherals:
//	  - name: GPIOA
//	    base: 0x40020000
//	    registers:
//	      - name: MODER
//	        offset: 0x00
//	        fields:
//	          - {name: MODER0, bit: 0, width: 2, values: [{name: input, value: 0}]}
//	  - name: GPIOB
//	    derived_from: GPIOA
//	    base: 0x40020400
type yamlDevice struct {
	Name        string           `yaml:"name"`
	Peripherals []yamlPeripheral `yaml:"peripherals"`
}

type yamlPeripheral struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Group       string         `yaml:"group"`
	DerivedFrom string         `yaml:"derived_from"`
	Base        uint64         `yaml:"base"`
	Registers   []yamlRegister `yaml:"registers"`
}

type yamlRegister struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Offset      uint64      `yaml:"offset"`
	Size        int         `yaml:"size"`
	Access      string      `yaml:"access"`
	Reset       uint64      `yaml:"reset"`
	Fields      []yamlField `yaml:"fields"`
}

type yamlField struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Bit         int    `yaml:"bit"`
	Width       int    `yaml:"width"`
	Access      string `yaml:"access"`
	Values      []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Value       uint64 `yaml:"value"`
	} `yaml:"values"`
}

func parseYAML(data []byte) (*Catalog, error) {
	var dev yamlDevice
	if err := yaml.Unmarshal(data, &dev); err != nil {
		return nil, err
	}
	if len(dev.Peripherals) == 0 {
		return nil, errors.New("no peripherals")
	}

	byName := make(map[string]*yamlPeripheral, len(dev.Peripherals))
	for i := range dev.Peripherals {
		byName[dev.Peripherals[i].Name] = &dev.Peripherals[i]
	}

	c := &Catalog{Name: dev.Name}
	for _, yp := range dev.Peripherals {
		p := &Peripheral{
			Name:        yp.Name,
			Description: yp.Description,
			GroupName:   yp.Group,
			BaseAddress: yp.Base,
		}
		regs := yp.Registers
		if yp.DerivedFrom != "" {
			parent, ok := byName[yp.DerivedFrom]
			if !ok {
				return nil, errors.Errorf("peripheral %s: derived_from unknown peripheral %s", yp.Name, yp.DerivedFrom)
			}
			if len(regs) == 0 {
				regs = parent.Registers
			}
		}
		for _, yr := range regs {
			r := &Register{
				Name:        yr.Name,
				Description: yr.Description,
				Peripheral:  p,
				Address:     yp.Base + yr.Offset,
				Size:        yr.Size,
				ResetValue:  yr.Reset,
				Access:      yr.Access,
			}
			if r.Size == 0 {
				r.Size = 32
			}
			if r.Access == "" {
				r.Access = "read-write"
			}
			for _, yf := range yr.Fields {
				f := &Field{
					Name:        yf.Name,
					Description: yf.Description,
					BitOffset:   yf.Bit,
					BitWidth:    yf.Width,
					Access:      yf.Access,
				}
				if f.BitWidth == 0 {
					f.BitWidth = 1
				}
				if f.Access == "" {
					f.Access = r.Access
				}
				if f.BitOffset+f.BitWidth > r.Size {
					return nil, errors.Errorf("field %s.%s.%s exceeds the register", p.Name, r.Name, f.Name)
				}
				for _, v := range yf.Values {
					f.Values = append(f.Values, &EnumValue{Name: v.Name, Description: v.Description, Value: v.Value})
				}
				r.Fields = append(r.Fields, f)
			}
			r.sortFields()
			p.Registers = append(p.Registers, r)
		}
		c.Peripherals = append(c.Peripherals, p)
	}
	return c, nil
}
