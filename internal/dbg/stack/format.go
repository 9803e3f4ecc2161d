package stack

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-faster/errors"
)

const (
	maxArrayChildren = 256
	maxStringLen     = 64
)

// resolve strips typedefs and qualifiers.
func resolve(t godwarf.Type) godwarf.Type {
	for {
		switch tt := t.(type) {
		case *godwarf.TypedefType:
			t = tt.Type
		case *godwarf.QualType:
			t = tt.Type
		default:
			return t
		}
	}
}

// TypeName returns the declared type of the value.
func (v *Value) TypeName() string {
	if v.Type == nil {
		return ""
	}
	return v.Type.String()
}

// String formats the value for display. Errors are rendered in place.
func (v *Value) String(ctx context.Context) string {
	if v.Err != nil {
		return "<" + v.Err.Error() + ">"
	}
	s, err := v.format(ctx)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return s
}

func (v *Value) format(ctx context.Context) (string, error) {
	switch t := resolve(v.Type).(type) {
	case *godwarf.BoolType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(x != 0), nil
	case *godwarf.IntType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(signExtend(x, v.bits()), 10), nil
	case *godwarf.UintType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(x, 10), nil
	case *godwarf.CharType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		c := signExtend(x, 8)
		return fmt.Sprintf("%d %s", c, quoteChar(byte(x))), nil
	case *godwarf.UcharType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %s", x, quoteChar(byte(x))), nil
	case *godwarf.FloatType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		if t.Size() == 4 {
			return strconv.FormatFloat(float64(math.Float32frombits(uint32(x))), 'g', -1, 32), nil
		}
		return strconv.FormatFloat(math.Float64frombits(x), 'g', -1, 64), nil
	case *godwarf.EnumType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		n := signExtend(x, v.bits())
		for _, e := range t.Val {
			if e.Val == n {
				return e.Name, nil
			}
		}
		return strconv.FormatInt(n, 10), nil
	case *godwarf.PtrType:
		x, err := v.loadUint(ctx)
		if err != nil {
			return "", err
		}
		s := fmt.Sprintf("0x%08x", x)
		if isChar(t.Type) && x != 0 {
			if str, err := v.readCString(ctx, x); err == nil {
				s += " " + strconv.Quote(str)
			}
		}
		return s, nil
	case *godwarf.ArrayType:
		if isChar(t.Type) {
			b, err := v.Load(ctx)
			if err != nil {
				return "", err
			}
			return strconv.Quote(cstring(b)), nil
		}
		return fmt.Sprintf("[%d]%s", t.Count, t.Type.String()), nil
	case *godwarf.StructType:
		return "{...}", nil
	case *godwarf.FuncType:
		return t.String(), nil
	case *godwarf.VoidType, nil:
		return "void", nil
	default:
		b, err := v.Load(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%x", b), nil
	}
}

// HasChildren reports whether the value can be expanded.
func (v *Value) HasChildren() bool {
	if v.Err != nil {
		return false
	}
	switch t := resolve(v.Type).(type) {
	case *godwarf.StructType:
		return len(t.Field) > 0
	case *godwarf.ArrayType:
		return t.Count > 0 && !isChar(t.Type)
	case *godwarf.PtrType:
		target := resolve(t.Type)
		if target == nil || target.Size() <= 0 {
			return false
		}
		_, isVoid := target.(*godwarf.VoidType)
		return !isVoid
	}
	return false
}

// Children expands structs, arrays and pointers. Arrays are truncated to
// their first elements.
func (v *Value) Children(ctx context.Context) ([]*Value, error) {
	if !v.HasChildren() {
		return nil, nil
	}
	switch t := resolve(v.Type).(type) {
	case *godwarf.StructType:
		kids := make([]*Value, 0, len(t.Field))
		for _, f := range t.Field {
			c := v.child(f.Name, f.Type, f.ByteOffset)
			if f.BitSize > 0 {
				unit := f.ByteSize
				if unit == 0 {
					unit = resolve(f.Type).Size()
				}
				c.bitSize = f.BitSize
				c.bitShift = unit*8 - f.BitOffset - f.BitSize
			}
			kids = append(kids, c)
		}
		return kids, nil
	case *godwarf.ArrayType:
		elem := resolve(t.Type).Size()
		if t.StrideBitSize > 0 {
			elem = t.StrideBitSize / 8
		}
		n := min(t.Count, maxArrayChildren)
		kids := make([]*Value, 0, n)
		for i := int64(0); i < n; i++ {
			kids = append(kids, v.child(fmt.Sprintf("[%d]", i), t.Type, i*elem))
		}
		return kids, nil
	case *godwarf.PtrType:
		addr, err := v.loadUint(ctx)
		if err != nil {
			return nil, err
		}
		c := &Value{Name: "*" + v.Name, Type: t.Type, mem: v.mem}
		if addr == 0 {
			c.Err = errors.New("nil pointer")
		} else {
			c.Addr = addr
			c.InMemory = true
		}
		return []*Value{c}, nil
	}
	return nil, nil
}

func (v *Value) readCString(ctx context.Context, addr uint64) (string, error) {
	b := make([]byte, maxStringLen)
	if err := v.mem.ReadMemory(ctx, addr, b); err != nil {
		return "", err
	}
	return cstring(b), nil
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func isChar(t godwarf.Type) bool {
	switch resolve(t).(type) {
	case *godwarf.CharType, *godwarf.UcharType:
		return true
	}
	return false
}

func quoteChar(c byte) string {
	return strconv.QuoteRune(rune(c))
}

func signExtend(x uint64, bits int64) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(x)
	}
	shift := 64 - bits
	return int64(x<<shift) >> shift
}

// parseLiteral converts text to the raw representation of type t.
func parseLiteral(t godwarf.Type, text string) (uint64, error) {
	text = strings.TrimSpace(text)
	switch t := t.(type) {
	case *godwarf.BoolType:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return 0, errors.Wrap(err, "parse bool")
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case *godwarf.FloatType:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse float")
		}
		if t.Size() == 4 {
			return uint64(math.Float32bits(float32(f))), nil
		}
		return math.Float64bits(f), nil
	case *godwarf.EnumType:
		for _, e := range t.Val {
			if e.Name == text {
				return uint64(e.Val), nil
			}
		}
	case *godwarf.CharType, *godwarf.UcharType:
		if len(text) == 3 && text[0] == '\'' && text[2] == '\'' {
			return uint64(text[1]), nil
		}
	case *godwarf.IntType, *godwarf.UintType, *godwarf.PtrType:
	default:
		return 0, errors.Errorf("cannot assign to %s", typeName(t))
	}
	if n, err := strconv.ParseInt(text, 0, 64); err == nil {
		return uint64(n), nil
	}
	n, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q", text)
	}
	return n, nil
}

func typeName(t godwarf.Type) string {
	if t == nil {
		return "void"
	}
	return t.String()
}
