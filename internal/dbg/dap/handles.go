package dap

const startHandle = 1000

// handles maps variable references to what they expand. References are
// only valid until the core runs again.
type handles struct {
	next int
	refs map[int]container
}

func newHandles() *handles {
	return &handles{next: startHandle, refs: make(map[int]container)}
}

func (h *handles) reset() {
	h.next = startHandle
	clear(h.refs)
}

func (h *handles) create(c container) int {
	h.next++
	h.refs[h.next] = c
	return h.next
}

func (h *handles) get(ref int) (container, bool) {
	c, ok := h.refs[ref]
	return c, ok
}
