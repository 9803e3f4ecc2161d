package dap

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/google/go-dap"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/disasm"
)

const (
	memoryChunk    = 1024
	maxMemoryRead  = 1 << 20
	maxDisassemble = 4096
)

func memoryAddress(ref string, offset int) (uint64, error) {
	base, err := parseAddress(ref)
	if err != nil {
		return 0, err
	}
	return uint64(int64(base) + int64(offset)), nil
}

func (s *Session) onReadMemory(ctx context.Context, req *dap.ReadMemoryRequest) (dap.ResponseMessage, error) {
	addr, err := memoryAddress(req.Arguments.MemoryReference, req.Arguments.Offset)
	if err != nil {
		return nil, &MalformedRequestError{Command: req.Command, Err: err}
	}
	count := req.Arguments.Count
	if count < 0 || count > maxMemoryRead {
		return nil, &MalformedRequestError{Command: req.Command, Err: errors.Errorf("cannot read %d bytes", count)}
	}

	// Read chunk by chunk so that a fault at the end of a region still
	// returns what precedes it.
	data := make([]byte, 0, count)
	for len(data) < count {
		n := min(memoryChunk, count-len(data))
		buf := make([]byte, n)
		if err := s.target.ReadMemory(ctx, addr+uint64(len(data)), buf); err != nil {
			if dbg.IsFatal(err) {
				return nil, err
			}
			s.log.WithError(err).WithField("addr", formatAddress(addr+uint64(len(data)))).Debug("memory not readable")
			break
		}
		data = append(data, buf...)
	}
	return &dap.ReadMemoryResponse{
		Response: s.newResponse(&req.Request),
		Body: dap.ReadMemoryResponseBody{
			Address:         formatAddress(addr),
			Data:            base64.StdEncoding.EncodeToString(data),
			UnreadableBytes: count - len(data),
		},
	}, nil
}

func (s *Session) onWriteMemory(ctx context.Context, req *dap.WriteMemoryRequest) (dap.ResponseMessage, error) {
	addr, err := memoryAddress(req.Arguments.MemoryReference, req.Arguments.Offset)
	if err != nil {
		return nil, &MalformedRequestError{Command: req.Command, Err: err}
	}
	data, err := base64.StdEncoding.DecodeString(req.Arguments.Data)
	if err != nil {
		return nil, &MalformedRequestError{Command: req.Command, Err: err}
	}
	if err := s.target.WriteMemory(ctx, addr, data); err != nil {
		return nil, errors.Wrapf(err, "write %d bytes at %s", len(data), formatAddress(addr))
	}
	// Writes may hit the stack or code.
	if s.state == stateHalted {
		s.invalidate()
	}
	return &dap.WriteMemoryResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.WriteMemoryResponseBody{BytesWritten: len(data)},
	}, nil
}

func (s *Session) onDisassemble(ctx context.Context, req *dap.DisassembleRequest) (dap.ResponseMessage, error) {
	args := req.Arguments
	base, err := memoryAddress(args.MemoryReference, args.Offset)
	if err != nil {
		return nil, &MalformedRequestError{Command: req.Command, Err: err}
	}
	count := args.InstructionCount
	if count > maxDisassemble {
		return nil, &MalformedRequestError{Command: req.Command, Err: errors.Errorf("cannot disassemble %d instructions", count)}
	}
	if count <= 0 {
		return &dap.DisassembleResponse{Response: s.newResponse(&req.Request)}, nil
	}

	// Instructions have variable length, so a negative instruction offset
	// is approximated with the shortest length.
	step := int64(s.mode.MinLength())
	start := int64(base) + int64(args.InstructionOffset)*step
	var out []dap.DisassembledInstruction
	for start < 0 && len(out) < count {
		out = append(out, invalidInstruction(uint64(start)))
		start += step
	}

	insts := s.disassemble(ctx, uint64(start), count-len(out))
	var last string
	for _, inst := range insts {
		di := dap.DisassembledInstruction{
			Address:          formatAddress(inst.Address),
			InstructionBytes: inst.Hex(),
			Instruction:      inst.String(),
		}
		if args.ResolveSymbols {
			di.Symbol = s.symbolize(inst.Address)
		}
		if s.index != nil {
			if loc, ok := s.index.AddressToLocation(inst.Address); ok {
				if key := fmt.Sprintf("%s:%d", loc.File, loc.Line); key != last {
					di.Location = &dap.Source{Name: filepath.Base(loc.File), Path: loc.File}
					di.Line = loc.Line
					last = key
				}
			}
		}
		out = append(out, di)
	}
	next := uint64(start)
	if n := len(insts); n > 0 {
		next = insts[n-1].Address + uint64(insts[n-1].Length)
	}
	for ; len(out) < count; next += uint64(step) {
		out = append(out, invalidInstruction(next))
	}
	return &dap.DisassembleResponse{
		Response: s.newResponse(&req.Request),
		Body:     dap.DisassembleResponseBody{Instructions: out},
	}, nil
}

// disassemble reads and decodes count instructions at addr. Unreadable
// memory yields fewer instructions.
func (s *Session) disassemble(ctx context.Context, addr uint64, count int) []disasm.Instruction {
	code := make([]byte, count*4)
	for len(code) > 0 {
		err := s.target.ReadMemory(ctx, addr, code)
		if err == nil {
			break
		}
		if dbg.IsFatal(err) {
			return nil
		}
		code = code[:len(code)/2]
	}
	insts, _ := disasm.Disassemble(code, addr, count, s.mode)
	return insts
}

func invalidInstruction(addr uint64) dap.DisassembledInstruction {
	return dap.DisassembledInstruction{
		Address:     formatAddress(addr),
		Instruction: "??",
	}
}

// symbolize names addr as symbol+offset.
func (s *Session) symbolize(addr uint64) string {
	if s.index == nil {
		return ""
	}
	sym, ok := s.index.SymbolAt(addr)
	if !ok {
		return ""
	}
	if addr == sym.Addr {
		return sym.Name
	}
	return fmt.Sprintf("%s+%d", sym.Name, addr-sym.Addr)
}
