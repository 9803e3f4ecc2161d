// Package breakpoint keeps the breakpoints a client asked for in sync with
// the comparators and patches installed on the target.
package breakpoint

import (
	"context"
	"fmt"
	"sort"

	"gni.dev/probedap/internal/dbg"
	"gni.dev/probedap/internal/dbg/proc"
	"gni.dev/probedap/internal/logging"
)

var log = logging.Module("breakpoint")

// Groups other than source paths.
const (
	GroupFunction    = "function"
	GroupInstruction = "instruction"
)

type LocationKind int

const (
	LocSource LocationKind = iota
	LocFunction
	LocAddress
)

// Location is where a client wants a breakpoint.
type Location struct {
	Kind     LocationKind
	File     string
	Line     int
	Function string
	Addr     uint64
}

func (l Location) String() string {
	switch l.Kind {
	case LocFunction:
		return l.Function
	case LocAddress:
		return fmt.Sprintf("%#x", l.Addr)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

type Breakpoint struct {
	ID        int
	Group     string
	Requested Location
	// Addr and Resolved are valid when Verified.
	Addr     uint64
	Resolved proc.Location
	Kind     dbg.BreakpointKind
	Verified bool
	Enabled  bool
	// Shadowed is set when another breakpoint owns the same address.
	Shadowed bool
	// Message explains why a breakpoint is not verified.
	Message string
}

// Resolver maps locations to addresses.
type Resolver interface {
	LineToPC(file string, line int) (uint64, proc.Location, error)
	LookupFunction(name string) (*proc.Func, bool)
	BreakAddress(f *proc.Func) uint64
	AddressToLocation(pc uint64) (proc.Location, bool)
}

// Target installs breakpoints on the core.
type Target interface {
	SetBreakpoint(ctx context.Context, addr uint64) (dbg.BreakpointKind, error)
	ClearBreakpoint(ctx context.Context, addr uint64, kind dbg.BreakpointKind) error
}

// slot is one installed breakpoint. The first user owns it, the others
// are shadowed.
type slot struct {
	kind  dbg.BreakpointKind
	users []*Breakpoint
	temp  bool
}

func (s *slot) remove(bp *Breakpoint) {
	for i, u := range s.users {
		if u == bp {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return
		}
	}
}

func (s *slot) unused() bool { return len(s.users) == 0 && !s.temp }

// Manager is used by a single session goroutine.
type Manager struct {
	target   Target
	resolver Resolver
	nextID   int
	groups   map[string][]*Breakpoint
	slots    map[uint64]*slot
}

// New returns a manager. target may be nil until a probe is attached and
// resolver until a program is loaded; breakpoints stay unverified meanwhile.
func New(target Target, resolver Resolver) *Manager {
	return &Manager{
		target:   target,
		resolver: resolver,
		nextID:   1,
		groups:   make(map[string][]*Breakpoint),
		slots:    make(map[uint64]*slot),
	}
}

// Reconcile makes the breakpoints of group match requested. Breakpoints
// requested again keep their ID and cost no probe traffic. Locations that
// cannot be resolved or installed come back unverified; only a fatal probe
// error is returned.
func (m *Manager) Reconcile(ctx context.Context, group string, requested []Location) ([]*Breakpoint, error) {
	// A location may be requested more than once; each request keeps one
	// of the existing breakpoints at most.
	existing := make(map[Location][]*Breakpoint)
	for _, bp := range m.groups[group] {
		existing[bp.Requested] = append(existing[bp.Requested], bp)
	}

	out := make([]*Breakpoint, len(requested))
	var added []int
	for i, loc := range requested {
		if bps := existing[loc]; len(bps) > 0 {
			out[i] = bps[0]
			existing[loc] = bps[1:]
			continue
		}
		added = append(added, i)
	}

	// Removing first frees hardware comparators for the additions.
	var removed []*Breakpoint
	for _, bps := range existing {
		removed = append(removed, bps...)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	for _, bp := range removed {
		if err := m.release(ctx, bp); err != nil && dbg.IsFatal(err) {
			return nil, err
		}
	}

	for _, i := range added {
		bp := &Breakpoint{
			ID:        m.nextID,
			Group:     group,
			Requested: requested[i],
			Enabled:   true,
		}
		m.nextID++
		out[i] = bp
		if err := m.bind(ctx, bp); err != nil {
			return nil, err
		}
	}

	m.groups[group] = out
	return out, nil
}

// bind resolves and installs bp. Only fatal errors are returned.
func (m *Manager) bind(ctx context.Context, bp *Breakpoint) error {
	addr, loc, err := m.resolve(bp.Requested)
	if err != nil {
		bp.Verified = false
		bp.Message = err.Error()
		return nil
	}
	bp.Addr = addr
	bp.Resolved = loc

	if m.target == nil {
		bp.Verified = false
		bp.Message = "not connected to a probe"
		return nil
	}

	if s, ok := m.slots[addr]; ok {
		s.users = append(s.users, bp)
		bp.Kind = s.kind
		bp.Verified = true
		bp.Shadowed = len(s.users) > 1
		bp.Message = ""
		return nil
	}

	kind, err := m.target.SetBreakpoint(ctx, addr)
	if err != nil {
		bp.Verified = false
		bp.Message = err.Error()
		log.WithError(err).WithField("location", bp.Requested.String()).Warn("cannot install breakpoint")
		if dbg.IsFatal(err) {
			return err
		}
		return nil
	}
	m.slots[addr] = &slot{kind: kind, users: []*Breakpoint{bp}}
	bp.Kind = kind
	bp.Verified = true
	bp.Shadowed = false
	bp.Message = ""
	return nil
}

// release detaches bp from its slot, uninstalling it when nothing else
// uses the address. A shadowed breakpoint inherits the slot.
func (m *Manager) release(ctx context.Context, bp *Breakpoint) error {
	if !bp.Verified {
		return nil
	}
	bp.Verified = false
	s, ok := m.slots[bp.Addr]
	if !ok {
		return nil
	}
	s.remove(bp)
	if len(s.users) > 0 {
		s.users[0].Shadowed = false
	}
	if !s.unused() {
		return nil
	}
	delete(m.slots, bp.Addr)
	return m.target.ClearBreakpoint(ctx, bp.Addr, s.kind)
}

func (m *Manager) resolve(loc Location) (uint64, proc.Location, error) {
	if loc.Kind == LocAddress {
		var pl proc.Location
		if m.resolver != nil {
			pl, _ = m.resolver.AddressToLocation(loc.Addr)
		}
		return loc.Addr, pl, nil
	}
	if m.resolver == nil {
		return 0, proc.Location{}, &dbg.UnresolvedLocationError{Location: loc.String(), Reason: "no program loaded"}
	}
	switch loc.Kind {
	case LocFunction:
		f, ok := m.resolver.LookupFunction(loc.Function)
		if !ok {
			return 0, proc.Location{}, &dbg.UnresolvedLocationError{Location: loc.Function, Reason: "no such function"}
		}
		addr := m.resolver.BreakAddress(f)
		pl, _ := m.resolver.AddressToLocation(addr)
		return addr, pl, nil
	default:
		return m.resolver.LineToPC(loc.File, loc.Line)
	}
}

// Rebind resolves every breakpoint again against resolver, typically after
// the program was rebuilt. It returns the breakpoints whose address or
// verification changed.
func (m *Manager) Rebind(ctx context.Context, resolver Resolver) ([]*Breakpoint, error) {
	all := m.Breakpoints()
	type before struct {
		addr     uint64
		verified bool
	}
	prev := make(map[*Breakpoint]before, len(all))
	for _, bp := range all {
		prev[bp] = before{bp.Addr, bp.Verified}
		if err := m.release(ctx, bp); err != nil && dbg.IsFatal(err) {
			return nil, err
		}
	}
	m.resolver = resolver

	var changed []*Breakpoint
	for _, bp := range all {
		if err := m.bind(ctx, bp); err != nil {
			return nil, err
		}
		if p := prev[bp]; p.addr != bp.Addr || p.verified != bp.Verified {
			changed = append(changed, bp)
		}
	}
	return changed, nil
}

// Attach installs the breakpoints requested before a probe was attached.
// It returns the breakpoints that became verified.
func (m *Manager) Attach(ctx context.Context, target Target, resolver Resolver) ([]*Breakpoint, error) {
	m.target = target
	return m.Rebind(ctx, resolver)
}

// Detach forgets the probe. Every breakpoint stays requested but becomes
// unverified until the next Attach. With clear the installed addresses are
// removed from the target first, as far as it still answers.
func (m *Manager) Detach(ctx context.Context, clear bool) {
	if clear && m.target != nil {
		for addr, s := range m.slots {
			if err := m.target.ClearBreakpoint(ctx, addr, s.kind); err != nil {
				log.WithError(err).WithField("addr", addr).Debug("cannot clear breakpoint")
			}
		}
	}
	m.slots = make(map[uint64]*slot)
	m.target = nil
	for _, bp := range m.Breakpoints() {
		bp.Verified = false
		bp.Shadowed = false
		bp.Message = "not connected to a probe"
	}
}

// Installed reports whether anything, user or internal, is installed at
// addr.
func (m *Manager) Installed(addr uint64) bool {
	_, ok := m.slots[addr]
	return ok
}

// Breakpoints returns every breakpoint ordered by ID.
func (m *Manager) Breakpoints() []*Breakpoint {
	var all []*Breakpoint
	for _, g := range m.groups {
		all = append(all, g...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Hit returns the IDs of the user breakpoints at addr, owner first, or nil
// when addr holds none. Temporary breakpoints are not reported.
func (m *Manager) Hit(addr uint64) []int {
	s, ok := m.slots[addr]
	if !ok || len(s.users) == 0 {
		return nil
	}
	ids := make([]int, len(s.users))
	for i, bp := range s.users {
		ids[i] = bp.ID
	}
	return ids
}

// InstallTemp plants an internal breakpoint, used to stop after a step
// over or out of a function. It shares the slot of a user breakpoint at
// the same address.
func (m *Manager) InstallTemp(ctx context.Context, addr uint64) error {
	if s, ok := m.slots[addr]; ok {
		s.temp = true
		return nil
	}
	kind, err := m.target.SetBreakpoint(ctx, addr)
	if err != nil {
		return err
	}
	m.slots[addr] = &slot{kind: kind, temp: true}
	return nil
}

// RemoveTemp removes the internal breakpoint at addr.
func (m *Manager) RemoveTemp(ctx context.Context, addr uint64) error {
	s, ok := m.slots[addr]
	if !ok || !s.temp {
		return nil
	}
	s.temp = false
	if !s.unused() {
		return nil
	}
	delete(m.slots, addr)
	return m.target.ClearBreakpoint(ctx, addr, s.kind)
}

// ClearAll uninstalls everything and forgets all breakpoints.
func (m *Manager) ClearAll(ctx context.Context) error {
	var first error
	for addr, s := range m.slots {
		if err := m.target.ClearBreakpoint(ctx, addr, s.kind); err != nil && first == nil {
			first = err
		}
	}
	m.slots = make(map[uint64]*slot)
	m.groups = make(map[string][]*Breakpoint)
	return first
}
