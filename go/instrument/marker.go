package instrument

// Marker is the per-vCPU re-entrancy guard: the address of the last hook the
// gate fired on this vCPU, or unset. It belongs to exactly one vCPU and is
// not synchronized.
//
// Execution engines must call Progress whenever pc changes, so a later
// arrival at the marked address fires the hook again.
type Marker struct {
	addr  uint64
	valid bool
}

// Reset clears the marker.
func (m *Marker) Reset() {
	m.addr, m.valid = 0, false
}

// Set marks addr as just fired.
func (m *Marker) Set(addr uint64) {
	m.addr, m.valid = addr, true
}

// Is reports whether the marker holds addr.
func (m *Marker) Is(addr uint64) bool {
	return m.valid && m.addr == addr
}

// Get returns the marked address, if any.
func (m *Marker) Get() (uint64, bool) {
	return m.addr, m.valid
}

// Progress resets the marker if pc has moved off the marked address.
func (m *Marker) Progress(pc uint64) {
	if m.valid && m.addr != pc {
		m.Reset()
	}
}
