package relay

// OccupancyPolicy decides what a single-occupant channel does when a second
// connection arrives.
type OccupancyPolicy int

const (
	// ReplaceOld evicts the current holder in favour of the newcomer.
	ReplaceOld OccupancyPolicy = iota
	// RejectNew keeps the current holder and refuses the newcomer.
	RejectNew
)

func (p OccupancyPolicy) String() string {
	switch p {
	case ReplaceOld:
		return "replace-old"
	case RejectNew:
		return "reject-new"
	}
	return "unknown"
}

// slot holds at most one live connection. Callers hold Relay.mu.
type slot struct {
	policy OccupancyPolicy
	conn   *wsConn
}

func newSlot(policy OccupancyPolicy) *slot {
	return &slot{policy: policy}
}

// claim installs c. Under ReplaceOld the previous holder is returned for the
// caller to close; under RejectNew ok is false while a holder exists.
func (s *slot) claim(c *wsConn) (evicted *wsConn, ok bool) {
	if s.conn == nil {
		s.conn = c
		return nil, true
	}
	if s.policy == RejectNew {
		return nil, false
	}
	evicted, s.conn = s.conn, c
	return evicted, true
}

// release empties the slot if c still holds it.
func (s *slot) release(c *wsConn) bool {
	if s.conn == nil || s.conn != c {
		return false
	}
	s.conn = nil
	return true
}

func (s *slot) holder() *wsConn { return s.conn }

func (s *slot) occupied() bool { return s.conn != nil }
