package dap

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/go-dap"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/stack"
	"gni.dev/probedap/internal/dbg/svd"
)

// container is what a variable reference expands to.
type container interface{}

type (
	localsScope      struct{ frame *stack.Frame }
	registersScope   struct{ frame *stack.Frame }
	globalsScope     struct{}
	peripheralsScope struct{}
	valueRef         struct{ v *stack.Value }
	peripheralRef    struct{ p *svd.Peripheral }
	registerRef      struct{ r *svd.Register }
)

func (s *Session) debugInfo() stack.DebugInfo {
	if s.index == nil {
		return stack.NoDebugInfo{}
	}
	return s.index
}

func (s *Session) onStackTrace(ctx context.Context, req *dap.StackTraceRequest) (dap.ResponseMessage, error) {
	frames, err := s.stackFrames(ctx)
	if err != nil {
		return nil, err
	}
	start := min(max(req.Arguments.StartFrame, 0), len(frames))
	end := len(frames)
	if req.Arguments.Levels > 0 {
		end = min(start+req.Arguments.Levels, end)
	}
	out := make([]dap.StackFrame, 0, end-start)
	for _, f := range frames[start:end] {
		sf := dap.StackFrame{
			Id:                          f.Index + 1,
			Name:                        f.Name(),
			InstructionPointerReference: formatAddress(f.PC),
		}
		if f.Interrupted {
			sf.Name += " [interrupted]"
		}
		if f.HasLine {
			sf.Source = &dap.Source{Name: filepath.Base(f.Location.File), Path: f.Location.File}
			sf.Line = f.Location.Line
			sf.Column = 1
		} else {
			sf.PresentationHint = "subtle"
		}
		out = append(out, sf)
	}
	return &dap.StackTraceResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: out, TotalFrames: len(frames)},
	}, nil
}

// frame returns the frame of a DAP frame id; id 0 is the innermost frame.
func (s *Session) frame(ctx context.Context, id int) (*stack.Frame, error) {
	frames, err := s.stackFrames(ctx)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		id = 1
	}
	if id < 1 || id > len(frames) {
		return nil, errors.Errorf("unknown frame %d", id)
	}
	return frames[id-1], nil
}

func (s *Session) onScopes(ctx context.Context, req *dap.ScopesRequest) (dap.ResponseMessage, error) {
	f, err := s.frame(ctx, req.Arguments.FrameId)
	if err != nil {
		return nil, err
	}
	scopes := []dap.Scope{
		{Name: "Locals", PresentationHint: "locals", VariablesReference: s.handles.create(localsScope{f})},
		{Name: "Registers", PresentationHint: "registers", VariablesReference: s.handles.create(registersScope{f})},
	}
	if s.index != nil {
		scopes = append(scopes, dap.Scope{Name: "Globals", VariablesReference: s.handles.create(globalsScope{}), Expensive: true})
	}
	if s.catalog != nil {
		scopes = append(scopes, dap.Scope{Name: "Peripherals", VariablesReference: s.handles.create(peripheralsScope{}), Expensive: true})
	}
	return &dap.ScopesResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.ScopesResponseBody{Scopes: scopes},
	}, nil
}

func (s *Session) onVariables(ctx context.Context, req *dap.VariablesRequest) (dap.ResponseMessage, error) {
	c, ok := s.handles.get(req.Arguments.VariablesReference)
	if !ok {
		return nil, errors.Errorf("unknown variables reference %d", req.Arguments.VariablesReference)
	}
	vars, err := s.expand(ctx, c)
	if err != nil {
		return nil, err
	}
	if start := req.Arguments.Start; start > 0 || req.Arguments.Count > 0 {
		start = min(start, len(vars))
		end := len(vars)
		if n := req.Arguments.Count; n > 0 {
			end = min(start+n, end)
		}
		vars = vars[start:end]
	}
	return &dap.VariablesResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.VariablesResponseBody{Variables: vars},
	}, nil
}

func (s *Session) expand(ctx context.Context, c container) ([]dap.Variable, error) {
	var out []dap.Variable
	switch c := c.(type) {
	case registersScope:
		for _, r := range dbg.CoreRegisters {
			v, err := s.registerValue(ctx, c.frame, r.ID)
			if err != nil {
				if dbg.IsFatal(err) {
					return nil, err
				}
				continue
			}
			out = append(out, dap.Variable{Name: r.Name, Value: fmt.Sprintf("0x%08x", v), Type: "uint32_t", EvaluateName: "$" + r.Name})
		}
	case peripheralsScope:
		for _, p := range s.catalog.Peripherals {
			out = append(out, dap.Variable{
				Name:               p.Name,
				Value:              formatAddress(p.BaseAddress),
				Type:               p.GroupName,
				VariablesReference: s.handles.create(peripheralRef{p}),
			})
		}
	case peripheralRef:
		for _, r := range c.p.Registers {
			dv := dap.Variable{Name: r.Name, EvaluateName: r.FullName(), MemoryReference: formatAddress(r.Address)}
			raw, err := s.readPeripheral(ctx, r)
			if err != nil {
				if dbg.IsFatal(err) {
					return nil, err
				}
				dv.Value = "<" + err.Error() + ">"
			} else {
				dv.Value = fmt.Sprintf("0x%0*x", (r.Size+3)/4, raw)
				if len(r.Fields) > 0 {
					dv.VariablesReference = s.handles.create(registerRef{r})
				}
			}
			out = append(out, dv)
		}
	case registerRef:
		raw, err := s.readPeripheral(ctx, c.r)
		if err != nil {
			return nil, err
		}
		for _, fv := range c.r.Decode(raw) {
			out = append(out, dap.Variable{
				Name:         fv.Field.Name,
				Value:        fv.String(),
				Type:         fmt.Sprintf("bits %d:%d", fv.Field.BitOffset+fv.Field.BitWidth-1, fv.Field.BitOffset),
				EvaluateName: c.r.FullName() + "." + fv.Field.Name,
			})
		}
	default:
		vals, err := s.values(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			out = append(out, s.variable(ctx, v))
		}
	}
	return out, nil
}

// values evaluates the containers that hold program variables.
func (s *Session) values(ctx context.Context, c container) ([]*stack.Value, error) {
	switch c := c.(type) {
	case localsScope:
		if s.index == nil {
			return nil, nil
		}
		return c.frame.Locals(ctx, s.index, s.target), nil
	case globalsScope:
		if s.index == nil {
			return nil, nil
		}
		return stack.Globals(ctx, s.index, s.target), nil
	case valueRef:
		return c.v.Children(ctx)
	}
	return nil, errors.Errorf("%T has no variables", c)
}

func (s *Session) variable(ctx context.Context, v *stack.Value) dap.Variable {
	dv := dap.Variable{Name: v.Name, Value: v.String(ctx), Type: v.TypeName()}
	if v.HasChildren() {
		dv.VariablesReference = s.handles.create(valueRef{v})
	}
	if v.InMemory {
		dv.MemoryReference = formatAddress(v.Addr)
	}
	return dv
}

// registerValue reads a core register as seen by frame f.
func (s *Session) registerValue(ctx context.Context, f *stack.Frame, id dbg.RegisterID) (uint64, error) {
	if f.Index == 0 {
		return s.target.ReadRegister(ctx, id)
	}
	v, ok := f.Regs[uint64(id)]
	if !ok {
		return 0, errors.Errorf("register %d not recovered in frame %d", id, f.Index)
	}
	return v, nil
}

func (s *Session) readPeripheral(ctx context.Context, r *svd.Register) (uint64, error) {
	n := min(max(r.Size/8, 1), 8)
	var b [8]byte
	if err := s.target.ReadMemory(ctx, r.Address, b[:n]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (s *Session) writePeripheral(ctx context.Context, r *svd.Register, v uint64) error {
	if r.Access == "read-only" {
		return errors.Errorf("%s is read-only", r.FullName())
	}
	n := min(max(r.Size/8, 1), 8)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return s.target.WriteMemory(ctx, r.Address, b[:n])
}

func (s *Session) onSetVariable(ctx context.Context, req *dap.SetVariableRequest) (dap.ResponseMessage, error) {
	args := req.Arguments
	c, ok := s.handles.get(args.VariablesReference)
	if !ok {
		return nil, errors.Errorf("unknown variables reference %d", args.VariablesReference)
	}
	var value string
	switch c := c.(type) {
	case registersScope:
		if c.frame.Index != 0 {
			return nil, errors.New("registers can only be changed in the top frame")
		}
		r, ok := dbg.LookupRegister(args.Name)
		if !ok {
			return nil, errors.Errorf("unknown register %s", args.Name)
		}
		v, err := parseInteger(args.Value)
		if err != nil {
			return nil, err
		}
		if err := s.target.WriteRegister(ctx, r.ID, v); err != nil {
			return nil, err
		}
		s.frames = nil
		if v, err = s.target.ReadRegister(ctx, r.ID); err != nil {
			return nil, err
		}
		value = fmt.Sprintf("0x%08x", v)
	case peripheralRef:
		r, ok := c.p.Register(args.Name)
		if !ok {
			return nil, errors.Errorf("unknown register %s.%s", c.p.Name, args.Name)
		}
		v, err := parseInteger(args.Value)
		if err != nil {
			return nil, err
		}
		if err := s.writePeripheral(ctx, r, v); err != nil {
			return nil, err
		}
		if v, err = s.readPeripheral(ctx, r); err != nil {
			return nil, err
		}
		value = fmt.Sprintf("0x%0*x", (r.Size+3)/4, v)
	case registerRef:
		f, ok := c.r.Field(args.Name)
		if !ok {
			return nil, errors.Errorf("unknown field %s.%s", c.r.FullName(), args.Name)
		}
		v, err := parseFieldValue(f, args.Value)
		if err != nil {
			return nil, err
		}
		raw, err := s.readPeripheral(ctx, c.r)
		if err != nil {
			return nil, err
		}
		if err := s.writePeripheral(ctx, c.r, f.Insert(raw, v)); err != nil {
			return nil, err
		}
		if raw, err = s.readPeripheral(ctx, c.r); err != nil {
			return nil, err
		}
		for _, fv := range c.r.Decode(raw) {
			if fv.Field == f {
				value = fv.String()
			}
		}
	default:
		vals, err := s.values(ctx, c)
		if err != nil {
			return nil, err
		}
		v := findValue(vals, args.Name)
		if v == nil {
			return nil, errors.Errorf("unknown variable %s", args.Name)
		}
		if err := v.Assign(ctx, s.target, args.Value); err != nil {
			return nil, err
		}
		if v.InRegister {
			// The register copy of the value is stale: evaluate again.
			s.frames = nil
			if vals, err = s.values(ctx, c); err == nil {
				if nv := findValue(vals, args.Name); nv != nil {
					v = nv
				}
			}
		}
		value = v.String(ctx)
	}
	return &dap.SetVariableResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.SetVariableResponseBody{Value: value},
	}, nil
}

func findValue(vals []*stack.Value, name string) *stack.Value {
	for _, v := range vals {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// parseInteger accepts decimal, hex, octal and binary literals and
// negative numbers in two's complement.
func parseInteger(text string) (uint64, error) {
	text = strings.TrimSpace(text)
	if v, err := strconv.ParseUint(text, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid number %q", text)
	}
	return uint64(v) & 0xffffffff, nil
}

// parseFieldValue accepts a number or the name of an enumerated value.
func parseFieldValue(f *svd.Field, text string) (uint64, error) {
	for _, e := range f.Values {
		if strings.EqualFold(e.Name, strings.TrimSpace(text)) {
			return e.Value, nil
		}
	}
	return parseInteger(text)
}

func (s *Session) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) (dap.ResponseMessage, error) {
	f, err := s.frame(ctx, req.Arguments.FrameId)
	if err != nil {
		return nil, err
	}
	body, err := s.evaluate(ctx, f, strings.TrimSpace(req.Arguments.Expression))
	if err != nil {
		return nil, err
	}
	return &dap.EvaluateResponse{Response: s.newResponse(&req.Request), Body: body}, nil
}

// evaluate resolves expr as a raw word, a register, a variable, a
// peripheral register or a symbol, in that order.
func (s *Session) evaluate(ctx context.Context, f *stack.Frame, expr string) (dap.EvaluateResponseBody, error) {
	var body dap.EvaluateResponseBody
	if expr == "" {
		return body, errors.New("empty expression")
	}

	if strings.HasPrefix(expr, "*") {
		addr, err := parseAddress(expr[1:])
		if err == nil {
			w, err := s.target.ReadWord(ctx, addr)
			if err != nil {
				return body, err
			}
			body.Result = fmt.Sprintf("0x%08x", w)
			body.Type = "uint32_t"
			body.MemoryReference = formatAddress(addr)
			return body, nil
		}
	}

	if r, ok := dbg.LookupRegister(expr); ok {
		v, err := s.registerValue(ctx, f, r.ID)
		if err != nil {
			return body, err
		}
		body.Result = fmt.Sprintf("0x%08x", v)
		body.Type = "uint32_t"
		return body, nil
	}

	path := strings.Split(strings.ReplaceAll(expr, "->", "."), ".")
	if s.index != nil {
		if v, err := s.lookupValue(ctx, f.Locals(ctx, s.index, s.target), path); v != nil || err != nil {
			return s.valueResult(ctx, v, err)
		}
		var globals []*stack.Value
		if g, ok := s.index.LookupGlobal(path[0]); ok {
			globals = []*stack.Value{stack.Global(ctx, s.index, s.target, g)}
		}
		if v, err := s.lookupValue(ctx, globals, path); v != nil || err != nil {
			return s.valueResult(ctx, v, err)
		}
	}

	var periphErr error
	if len(path) > 1 {
		body, periphErr = s.evaluatePeripheral(ctx, expr)
		if periphErr == nil {
			return body, nil
		}
	}

	if s.index != nil {
		if sym, ok := s.index.LookupSymbol(expr); ok {
			body.Result = formatAddress(sym.Addr)
			body.Type = "symbol"
			body.MemoryReference = formatAddress(sym.Addr)
			return body, nil
		}
	}
	if periphErr != nil {
		return body, periphErr
	}
	return body, errors.Errorf("cannot evaluate %q", expr)
}

// lookupValue finds path[0] in vals and descends into members, following
// pointers on the way. It returns nil when path[0] is not in vals.
func (s *Session) lookupValue(ctx context.Context, vals []*stack.Value, path []string) (*stack.Value, error) {
	v := findValue(vals, path[0])
	if v == nil {
		return nil, nil
	}
	for _, member := range path[1:] {
		kids, err := v.Children(ctx)
		if err != nil {
			return nil, err
		}
		next := findValue(kids, member)
		if next == nil && len(kids) == 1 && strings.HasPrefix(kids[0].Name, "*") {
			if kids, err = kids[0].Children(ctx); err != nil {
				return nil, err
			}
			next = findValue(kids, member)
		}
		if next == nil {
			return nil, errors.Errorf("%s has no member %s", v.Name, member)
		}
		v = next
	}
	return v, nil
}

func (s *Session) valueResult(ctx context.Context, v *stack.Value, err error) (dap.EvaluateResponseBody, error) {
	if err != nil {
		return dap.EvaluateResponseBody{}, err
	}
	if v.Err != nil {
		return dap.EvaluateResponseBody{}, errors.Wrap(v.Err, v.Name)
	}
	dv := s.variable(ctx, v)
	return dap.EvaluateResponseBody{
		Result:             dv.Value,
		Type:               dv.Type,
		VariablesReference: dv.VariablesReference,
		MemoryReference:    dv.MemoryReference,
	}, nil
}

func (s *Session) evaluatePeripheral(ctx context.Context, expr string) (dap.EvaluateResponseBody, error) {
	var body dap.EvaluateResponseBody
	if s.catalog == nil {
		return body, errors.Wrapf(dbg.ErrNoCatalog, "evaluate %s", expr)
	}
	r, f, err := s.catalog.Lookup(expr)
	if err != nil {
		return body, err
	}
	raw, err := s.readPeripheral(ctx, r)
	if err != nil {
		return body, err
	}
	body.MemoryReference = formatAddress(r.Address)
	if f == nil {
		body.Result = fmt.Sprintf("0x%0*x", (r.Size+3)/4, raw)
		body.Type = "register"
		if len(r.Fields) > 0 {
			body.VariablesReference = s.handles.create(registerRef{r})
		}
		return body, nil
	}
	for _, fv := range r.Decode(raw) {
		if fv.Field == f {
			body.Result = fv.String()
		}
	}
	body.Type = "field"
	return body, nil
}
