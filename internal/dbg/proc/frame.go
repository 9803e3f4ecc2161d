package proc

import (
	"debug/elf"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/godwarf"
)

// loadFrames reads call frame information, preferring .debug_frame, which
// embedded toolchains emit, over .eh_frame.
func (idx *Index) loadFrames(f *elf.File) {
	if data, err := godwarf.GetDebugSectionElf(f, "frame"); err == nil && len(data) > 0 {
		fdes, err := frame.Parse(data, idx.order, 0, idx.ptrSize, 0)
		if err == nil {
			idx.fdes = fdes
			return
		}
		log.WithError(err).Warn("cannot parse .debug_frame")
	}
	sec := f.Section(".eh_frame")
	if sec == nil {
		return
	}
	data, err := sec.Data()
	if err != nil {
		return
	}
	fdes, err := frame.Parse(data, idx.order, 0, idx.ptrSize, sec.Addr)
	if err != nil {
		log.WithError(err).Warn("cannot parse .eh_frame")
		return
	}
	idx.fdes = fdes
}

// FrameInfo returns the unwind rules in effect at pc.
func (idx *Index) FrameInfo(pc uint64) (fctx *frame.FrameContext, ok bool) {
	if idx.fdes == nil {
		return nil, false
	}
	fde, err := idx.fdes.FDEForPC(pc)
	if err != nil {
		return nil, false
	}
	// The CFA interpreter panics on opcodes it does not know.
	defer func() {
		if r := recover(); r != nil {
			log.WithField("pc", pc).Warnf("bad call frame program: %v", r)
			fctx, ok = nil, false
		}
	}()
	return fde.EstablishFrame(pc), true
}
