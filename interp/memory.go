package interp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/ferrite/layout"
	"github.com/chazu/ferrite/mir"
	"github.com/chazu/ferrite/target"
)

// ---------------------------------------------------------------------------
// Pointers
// ---------------------------------------------------------------------------

// AllocID names one allocation. IDs are handed out monotonically and
// never reused, so a pointer into a freed allocation stays detectably
// dangling instead of aliasing a newer one. ID 0 is reserved for
// absolute pointers: null and integers cast to pointers.
type AllocID uint64

// Pointer is an abstract address: an allocation plus a byte offset.
// Pointers with Alloc == 0 are absolute addresses without provenance;
// they can be compared and offset but never dereferenced.
type Pointer struct {
	Alloc AllocID
	Off   uint64
}

// NullPtr is the absolute address zero.
func NullPtr() Pointer { return Pointer{} }

// IsNull reports the absolute address zero.
func (p Pointer) IsNull() bool { return p.Alloc == 0 && p.Off == 0 }

// IsAbsolute reports a pointer with no provenance.
func (p Pointer) IsAbsolute() bool { return p.Alloc == 0 }

// Add offsets the pointer by n bytes. The result is unchecked; access
// checks happen at use.
func (p Pointer) Add(n uint64) Pointer {
	return Pointer{Alloc: p.Alloc, Off: p.Off + n}
}

func (p Pointer) String() string {
	if p.Alloc == 0 {
		if p.Off == 0 {
			return "null"
		}
		return fmt.Sprintf("abs:%#x", p.Off)
	}
	return fmt.Sprintf("a%d+%d", p.Alloc, p.Off)
}

// ---------------------------------------------------------------------------
// Allocations
// ---------------------------------------------------------------------------

// AllocKind tags why an allocation exists; deallocation must name the
// matching kind.
type AllocKind uint8

const (
	AllocStack AllocKind = iota + 1
	AllocHeap
	AllocVTable
	AllocGlobal
)

func (k AllocKind) String() string {
	switch k {
	case AllocStack:
		return "stack"
	case AllocHeap:
		return "heap"
	case AllocVTable:
		return "vtable"
	case AllocGlobal:
		return "global"
	}
	return fmt.Sprintf("alloc-kind(%d)", uint8(k))
}

// allocation is one block of abstract memory: raw bytes, a bitmap of
// which bytes hold data, and the provenance of any stored pointers.
type allocation struct {
	size    uint64
	bytes   []byte
	align   uint64
	kind    AllocKind
	mutable bool
	init    *initMask
	prov    map[uint64]AllocID // offset of stored pointer -> target allocation
	dead    bool
}

// AllocInfo is the externally visible description of an allocation.
type AllocInfo struct {
	Size    uint64
	Align   uint64
	Kind    AllocKind
	Mutable bool
	Live    bool
}

// ---------------------------------------------------------------------------
// Init mask
// ---------------------------------------------------------------------------

// initMask tracks per-byte initialization as a bitset.
type initMask struct {
	words []uint64
	n     uint64
}

func newInitMask(n uint64) *initMask {
	return &initMask{words: make([]uint64, (n+63)/64), n: n}
}

func (m *initMask) set(i uint64, v bool) {
	if v {
		m.words[i/64] |= 1 << (i % 64)
	} else {
		m.words[i/64] &^= 1 << (i % 64)
	}
}

func (m *initMask) get(i uint64) bool {
	return m.words[i/64]&(1<<(i%64)) != 0
}

func (m *initMask) setRange(start, end uint64, v bool) {
	for i := start; i < end; i++ {
		m.set(i, v)
	}
}

// firstUninit returns the first uninitialized index in [start, end).
func (m *initMask) firstUninit(start, end uint64) (uint64, bool) {
	for i := start; i < end; i++ {
		if !m.get(i) {
			return i, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// MemStats counts allocation traffic for reporting.
type MemStats struct {
	Allocations uint64 `cbor:"1,keyasint,omitempty"` // cumulative
	Live        uint64 `cbor:"2,keyasint,omitempty"`
	LiveBytes   uint64 `cbor:"3,keyasint,omitempty"`
	PeakBytes   uint64 `cbor:"4,keyasint,omitempty"`
	TotalBytes  uint64 `cbor:"5,keyasint,omitempty"` // cumulative
}

// FnDef is a registered function: the evaluable body plus the signature
// recorded for call-time checking.
type FnDef struct {
	Name string
	Body *mir.Body
	Sig  layout.FnSig
}

// Memory is the allocation store: it owns every allocation, every
// stored pointer's provenance, and the function registry that gives
// function pointers their identity.
type Memory struct {
	spec   target.Spec
	allocs map[AllocID]*allocation
	fns    map[AllocID]*FnDef
	fnIDs  map[string]AllocID
	nextID AllocID
	stats  MemStats
}

// NewMemory builds an empty store for one target.
func NewMemory(spec target.Spec) *Memory {
	return &Memory{
		spec:   spec,
		allocs: make(map[AllocID]*allocation),
		fns:    make(map[AllocID]*FnDef),
		fnIDs:  make(map[string]AllocID),
		nextID: 1,
	}
}

// PointerSize returns the target's pointer width in bytes.
func (m *Memory) PointerSize() uint64 { return m.spec.PointerSize }

// Truncate wraps v to the target's usize width.
func (m *Memory) Truncate(v uint64) uint64 { return m.spec.Truncate(v) }

// Target returns the target spec the store was built for.
func (m *Memory) Target() target.Spec { return m.spec }

// Stats returns allocation counters.
func (m *Memory) Stats() MemStats { return m.stats }

// Allocate creates a fresh, fully uninitialized, mutable allocation.
func (m *Memory) Allocate(size, align uint64, kind AllocKind) (Pointer, error) {
	if align == 0 || align&(align-1) != 0 {
		return Pointer{}, invariant("allocation alignment %d is not a power of two", align)
	}
	if size > m.spec.UsizeMax()>>1 {
		return Pointer{}, fault(FaultOutOfBounds, "allocation of %d bytes exceeds target address space", size)
	}

	id := m.nextID
	m.nextID++
	m.allocs[id] = &allocation{
		size:    size,
		bytes:   make([]byte, size),
		align:   align,
		kind:    kind,
		mutable: true,
		init:    newInitMask(size),
		prov:    make(map[uint64]AllocID),
	}

	m.stats.Allocations++
	m.stats.Live++
	m.stats.LiveBytes += size
	m.stats.TotalBytes += size
	if m.stats.LiveBytes > m.stats.PeakBytes {
		m.stats.PeakBytes = m.stats.LiveBytes
	}
	return Pointer{Alloc: id}, nil
}

// Deallocate releases an allocation. The pointer must address the start
// of a live allocation of the named kind.
func (m *Memory) Deallocate(p Pointer, kind AllocKind) error {
	if p.IsAbsolute() {
		return fault(FaultInvalidDealloc, "deallocating %s, which has no provenance", p)
	}
	a, ok := m.allocs[p.Alloc]
	if !ok {
		return invariant("deallocating unknown allocation a%d", p.Alloc)
	}
	if a.dead {
		return fault(FaultDoubleFree, "a%d was already deallocated", p.Alloc)
	}
	if p.Off != 0 {
		return fault(FaultInvalidDealloc, "deallocating %s, which is %d bytes into the allocation", p, p.Off)
	}
	if a.kind != kind {
		return fault(FaultInvalidDealloc, "deallocating a%d as %s memory, but it is %s memory", p.Alloc, kind, a.kind)
	}

	a.dead = true
	a.bytes = nil
	a.init = nil
	a.prov = nil
	m.stats.Live--
	m.stats.LiveBytes -= a.size
	return nil
}

// alloc resolves a pointer to its live allocation.
func (m *Memory) alloc(p Pointer) (*allocation, error) {
	if p.IsNull() {
		return nil, fault(FaultDangling, "dereferencing null pointer")
	}
	if p.IsAbsolute() {
		return nil, fault(FaultDangling, "dereferencing %s, which has no provenance", p)
	}
	a, ok := m.allocs[p.Alloc]
	if !ok {
		return nil, invariant("pointer %s names an allocation this machine never created", p)
	}
	if a.dead {
		return nil, fault(FaultDangling, "a%d was deallocated; %s dangles", p.Alloc, p)
	}
	return a, nil
}

// check resolves and bounds/align/mutability-checks an access.
func (m *Memory) check(p Pointer, size, align uint64, write bool) (*allocation, error) {
	a, err := m.alloc(p)
	if err != nil {
		return nil, err
	}
	if write && !a.mutable {
		return nil, fault(FaultImmutableWrite, "writing %d bytes at %s, but a%d is immutable", size, p, p.Alloc)
	}
	if p.Off > a.size || size > a.size-p.Off {
		return nil, fault(FaultOutOfBounds,
			"access of %d bytes at %s, but a%d is %d bytes", size, p, p.Alloc, a.size)
	}
	if align > 1 {
		if a.align < align {
			return nil, fault(FaultMisaligned,
				"access at %s requires alignment %d, but a%d is aligned to %d", p, align, p.Alloc, a.align)
		}
		if p.Off%align != 0 {
			return nil, fault(FaultMisaligned,
				"access at %s requires alignment %d (offset %d)", p, align, p.Off)
		}
	}
	return a, nil
}

// CheckAlign verifies pointer alignment without touching memory.
func (m *Memory) CheckAlign(p Pointer, align uint64) error {
	if align <= 1 {
		return nil
	}
	if p.IsAbsolute() {
		if p.Off%align != 0 {
			return fault(FaultMisaligned, "%s is not aligned to %d", p, align)
		}
		return nil
	}
	_, err := m.check(p, 0, align, false)
	return err
}

// CheckInBounds verifies that p points into or one past its allocation.
func (m *Memory) CheckInBounds(p Pointer) error {
	a, err := m.alloc(p)
	if err != nil {
		return err
	}
	if p.Off > a.size {
		return fault(FaultOutOfBounds, "%s is outside a%d (%d bytes)", p, p.Alloc, a.size)
	}
	return nil
}

// provRange collects offsets of stored pointers intersecting
// [off, off+n), sorted.
func (a *allocation) provRange(off, n uint64, ptrSize uint64) []uint64 {
	var hits []uint64
	for s := range a.prov {
		if s+ptrSize > off && s < off+n {
			hits = append(hits, s)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
	return hits
}

// requireInit faults unless [off, off+n) is fully initialized.
func (m *Memory) requireInit(a *allocation, p Pointer, n uint64) error {
	if i, uninit := a.init.firstUninit(p.Off, p.Off+n); uninit {
		return fault(FaultUninit, "reading %d bytes at %s, but byte %d is uninitialized", n, p, i)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Raw byte access
// ---------------------------------------------------------------------------

// ReadBytes copies n initialized, pointer-free bytes out of memory.
func (m *Memory) ReadBytes(p Pointer, n uint64) ([]byte, error) {
	a, err := m.check(p, n, 1, false)
	if err != nil {
		return nil, err
	}
	if err := m.requireInit(a, p, n); err != nil {
		return nil, err
	}
	if hits := a.provRange(p.Off, n, m.spec.PointerSize); len(hits) > 0 {
		return nil, fault(FaultPointerAsBytes,
			"reading %d bytes at %s crosses a stored pointer at offset %d", n, p, hits[0])
	}
	out := make([]byte, n)
	copy(out, a.bytes[p.Off:p.Off+n])
	return out, nil
}

// WriteBytes stores raw bytes, erasing the provenance of any stored
// pointer it overlaps: the overwritten pointer degrades to plain data.
func (m *Memory) WriteBytes(p Pointer, data []byte) error {
	n := uint64(len(data))
	a, err := m.check(p, n, 1, true)
	if err != nil {
		return err
	}
	copy(a.bytes[p.Off:], data)
	a.init.setRange(p.Off, p.Off+n, true)
	for _, s := range a.provRange(p.Off, n, m.spec.PointerSize) {
		delete(a.prov, s)
	}
	return nil
}

// Fill stores n copies of one byte; the memset primitive.
func (m *Memory) Fill(p Pointer, b byte, n uint64) error {
	a, err := m.check(p, n, 1, true)
	if err != nil {
		return err
	}
	for i := p.Off; i < p.Off+n; i++ {
		a.bytes[i] = b
	}
	a.init.setRange(p.Off, p.Off+n, true)
	for _, s := range a.provRange(p.Off, n, m.spec.PointerSize) {
		delete(a.prov, s)
	}
	return nil
}

// MarkUninit forgets the contents of a range.
func (m *Memory) MarkUninit(p Pointer, n uint64) error {
	a, err := m.check(p, n, 1, true)
	if err != nil {
		return err
	}
	a.init.setRange(p.Off, p.Off+n, false)
	for _, s := range a.provRange(p.Off, n, m.spec.PointerSize) {
		delete(a.prov, s)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scalar access
// ---------------------------------------------------------------------------

// ReadUint reads a size-byte unsigned integer in target byte order.
// It refuses to read stored pointers as integers.
func (m *Memory) ReadUint(p Pointer, size uint64) (uint64, error) {
	a, err := m.check(p, size, m.spec.ScalarAlign(size), false)
	if err != nil {
		return 0, err
	}
	if err := m.requireInit(a, p, size); err != nil {
		return 0, err
	}
	if hits := a.provRange(p.Off, size, m.spec.PointerSize); len(hits) > 0 {
		return 0, fault(FaultPointerAsBytes,
			"reading a %d-byte integer at %s, but those bytes hold a pointer", size, p)
	}
	return m.getBits(a.bytes[p.Off : p.Off+size]), nil
}

// ReadInt reads a size-byte signed integer, sign-extending to 64 bits.
func (m *Memory) ReadInt(p Pointer, size uint64) (int64, error) {
	bits, err := m.ReadUint(p, size)
	if err != nil {
		return 0, err
	}
	return signExtend(bits, size), nil
}

// WriteUint stores a size-byte integer in target byte order.
func (m *Memory) WriteUint(p Pointer, size, v uint64) error {
	a, err := m.check(p, size, m.spec.ScalarAlign(size), true)
	if err != nil {
		return err
	}
	m.putBits(a.bytes[p.Off:p.Off+size], v)
	a.init.setRange(p.Off, p.Off+size, true)
	for _, s := range a.provRange(p.Off, size, m.spec.PointerSize) {
		delete(a.prov, s)
	}
	return nil
}

// WriteInt stores a signed integer, truncating to size bytes.
func (m *Memory) WriteInt(p Pointer, size uint64, v int64) error {
	return m.WriteUint(p, size, uint64(v)&layout.MaxFor(size))
}

// ReadUsize reads a pointer-sized unsigned integer.
func (m *Memory) ReadUsize(p Pointer) (uint64, error) {
	return m.ReadUint(p, m.spec.PointerSize)
}

// WriteUsize stores a pointer-sized unsigned integer.
func (m *Memory) WriteUsize(p Pointer, v uint64) error {
	return m.WriteUint(p, m.spec.PointerSize, m.spec.Truncate(v))
}

// ReadPtr reads a stored pointer, reuniting its offset bytes with the
// provenance recorded at this offset. Initialized bytes with no
// provenance decode as an absolute pointer; a partially overwritten
// pointer is a fault.
func (m *Memory) ReadPtr(p Pointer) (Pointer, error) {
	size := m.spec.PointerSize
	a, err := m.check(p, size, m.spec.ScalarAlign(size), false)
	if err != nil {
		return Pointer{}, err
	}
	if err := m.requireInit(a, p, size); err != nil {
		return Pointer{}, err
	}

	bits := m.getBits(a.bytes[p.Off : p.Off+size])
	hits := a.provRange(p.Off, size, size)
	switch {
	case len(hits) == 0:
		return Pointer{Alloc: 0, Off: bits}, nil
	case len(hits) == 1 && hits[0] == p.Off:
		return Pointer{Alloc: a.prov[p.Off], Off: bits}, nil
	default:
		return Pointer{}, fault(FaultBytesAsPointer,
			"reading a pointer at %s, but the bytes mix data and pointer fragments", p)
	}
}

// WritePtr stores a pointer: its offset as integer bytes plus its
// provenance. Absolute pointers store as plain integers.
func (m *Memory) WritePtr(p Pointer, v Pointer) error {
	size := m.spec.PointerSize
	a, err := m.check(p, size, m.spec.ScalarAlign(size), true)
	if err != nil {
		return err
	}
	m.putBits(a.bytes[p.Off:p.Off+size], m.spec.Truncate(v.Off))
	a.init.setRange(p.Off, p.Off+size, true)
	for _, s := range a.provRange(p.Off, size, size) {
		delete(a.prov, s)
	}
	if v.Alloc != 0 {
		a.prov[p.Off] = v.Alloc
	}
	return nil
}

// Copy moves n bytes between (possibly overlapping) regions, carrying
// the init mask and any wholly contained pointer provenance with it.
// Uninitialized bytes copy as uninitialized; a pointer that straddles
// the region edge loses its provenance in the destination.
func (m *Memory) Copy(src, dst Pointer, n uint64) error {
	if n == 0 {
		return nil
	}
	sa, err := m.check(src, n, 1, false)
	if err != nil {
		return err
	}
	da, err := m.check(dst, n, 1, true)
	if err != nil {
		return err
	}

	ptrSize := m.spec.PointerSize
	buf := make([]byte, n)
	copy(buf, sa.bytes[src.Off:src.Off+n])
	initBits := make([]bool, n)
	for i := uint64(0); i < n; i++ {
		initBits[i] = sa.init.get(src.Off + i)
	}
	type provEntry struct {
		rel uint64
		id  AllocID
	}
	var entries []provEntry
	for s, id := range sa.prov {
		if s >= src.Off && s+ptrSize <= src.Off+n {
			entries = append(entries, provEntry{s - src.Off, id})
		}
	}

	copy(da.bytes[dst.Off:], buf)
	for i := uint64(0); i < n; i++ {
		da.init.set(dst.Off+i, initBits[i])
	}
	for _, s := range da.provRange(dst.Off, n, ptrSize) {
		delete(da.prov, s)
	}
	for _, e := range entries {
		da.prov[dst.Off+e.rel] = e.id
	}
	return nil
}

// RangesOverlap reports whether two n-byte regions alias.
func RangesOverlap(a, b Pointer, n uint64) bool {
	if a.Alloc != b.Alloc || n == 0 {
		return false
	}
	return a.Off < b.Off+n && b.Off < a.Off+n
}

// ---------------------------------------------------------------------------
// Introspection and freezing
// ---------------------------------------------------------------------------

// Info describes an allocation by ID.
func (m *Memory) Info(id AllocID) (AllocInfo, error) {
	a, ok := m.allocs[id]
	if !ok {
		return AllocInfo{}, invariant("no allocation a%d", id)
	}
	return AllocInfo{Size: a.size, Align: a.align, Kind: a.kind, Mutable: a.mutable, Live: !a.dead}, nil
}

// Freeze makes an allocation immutable and retags its kind; interning
// uses this to turn working memory into permanent globals.
func (m *Memory) Freeze(id AllocID, kind AllocKind) error {
	a, ok := m.allocs[id]
	if !ok {
		return invariant("freezing unknown allocation a%d", id)
	}
	if a.dead {
		return fault(FaultDangling, "freezing a%d, which was deallocated", id)
	}
	a.mutable = false
	a.kind = kind
	return nil
}

// RelocationTargets lists the allocations a live allocation points at.
func (m *Memory) RelocationTargets(id AllocID) ([]AllocID, error) {
	a, ok := m.allocs[id]
	if !ok || a.dead {
		return nil, invariant("no live allocation a%d", id)
	}
	seen := make(map[AllocID]bool)
	var out []AllocID
	for _, t := range a.prov {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LiveIDs lists all live allocations in creation order.
func (m *Memory) LiveIDs() []AllocID {
	var ids []AllocID
	for id, a := range m.allocs {
		if !a.dead {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DumpAlloc renders an allocation for diagnostics: hex bytes with "__"
// for uninitialized positions and a list of stored pointers.
func (m *Memory) DumpAlloc(id AllocID) string {
	a, ok := m.allocs[id]
	if !ok {
		return fmt.Sprintf("a%d: <unknown>", id)
	}
	if a.dead {
		return fmt.Sprintf("a%d: <dead> (%d bytes, %s)", id, a.size, a.kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "a%d: %d bytes, align %d, %s", id, a.size, a.align, a.kind)
	if !a.mutable {
		b.WriteString(", immutable")
	}
	b.WriteString("\n  ")
	const maxShown = 64
	shown := a.size
	if shown > maxShown {
		shown = maxShown
	}
	for i := uint64(0); i < shown; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		if a.init.get(i) {
			fmt.Fprintf(&b, "%02x", a.bytes[i])
		} else {
			b.WriteString("__")
		}
	}
	if shown < a.size {
		fmt.Fprintf(&b, " ... (%d more)", a.size-shown)
	}
	for _, s := range a.provRange(0, a.size, m.spec.PointerSize) {
		fmt.Fprintf(&b, "\n  +%d -> a%d", s, a.prov[s])
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Function registry
// ---------------------------------------------------------------------------

// RegisterFn gives a function body an allocation ID so pointers to it
// exist in the same address universe as data pointers. Registering the
// same name twice returns the original pointer.
func (m *Memory) RegisterFn(name string, body *mir.Body, sig layout.FnSig) Pointer {
	if id, ok := m.fnIDs[name]; ok {
		return Pointer{Alloc: id}
	}
	id := m.nextID
	m.nextID++
	m.fns[id] = &FnDef{Name: name, Body: body, Sig: sig}
	m.fnIDs[name] = id
	return Pointer{Alloc: id}
}

// FnPointer looks up a registered function by name.
func (m *Memory) FnPointer(name string) (Pointer, bool) {
	id, ok := m.fnIDs[name]
	return Pointer{Alloc: id}, ok
}

// FnByPtr resolves a function pointer to its definition.
func (m *Memory) FnByPtr(p Pointer) (*FnDef, error) {
	if p.IsAbsolute() {
		return nil, fault(FaultInvalidFnPtr, "calling %s, which is not a function", p)
	}
	if p.Off != 0 {
		return nil, fault(FaultInvalidFnPtr, "calling %s, which is offset into a function", p)
	}
	def, ok := m.fns[p.Alloc]
	if !ok {
		if _, isData := m.allocs[p.Alloc]; isData {
			return nil, fault(FaultInvalidFnPtr, "calling %s, which is a data allocation", p)
		}
		return nil, invariant("function pointer %s names nothing this machine registered", p)
	}
	return def, nil
}

// IsFn reports whether id names a registered function rather than a
// data allocation.
func (m *Memory) IsFn(id AllocID) bool {
	_, ok := m.fns[id]
	return ok
}

// ---------------------------------------------------------------------------
// Byte-order helpers
// ---------------------------------------------------------------------------

func (m *Memory) getBits(b []byte) uint64 {
	var v uint64
	if m.spec.Endian == target.Little {
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
	} else {
		for _, x := range b {
			v = v<<8 | uint64(x)
		}
	}
	return v
}

func (m *Memory) putBits(b []byte, v uint64) {
	if m.spec.Endian == target.Little {
		for i := range b {
			b[i] = byte(v)
			v >>= 8
		}
	} else {
		for i := len(b) - 1; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
	}
}

// signExtend widens size-byte two's-complement bits to 64 bits.
func signExtend(bits uint64, size uint64) int64 {
	shift := 64 - size*8
	return int64(bits<<shift) >> shift
}
