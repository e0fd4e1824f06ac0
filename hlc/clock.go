// Package hlc stamps cache commits with hybrid logical clock versions.
//
// A version packs wall-clock milliseconds, a few bits of the client id and a
// per-millisecond logical counter into one uint64, so versions taken from the
// same Clock are strictly increasing and versions from different clients
// stamped in the same millisecond still differ.
package hlc

import (
	"sync"
	"time"
)

// LogicalBits is the number of bits reserved for the logical counter.
// 16 bits = ~65k versions per millisecond per client.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits
const LogicalMask = (1 << LogicalBits) - 1

// ClientBits is the number of bits reserved for the client id.
const ClientBits = 6

// ClientMask masks the client id to 6 bits
const ClientMask = (1 << ClientBits) - 1

// TotalShiftBits is the total bits to shift wall time (ClientBits + LogicalBits)
const TotalShiftBits = ClientBits + LogicalBits // 22 bits

// MaxLogical is the maximum value for logical counter before overflow
const MaxLogical = LogicalMask

// Clock hands out monotonically increasing timestamps
type Clock struct {
	clientID uint64
	wallTime int64
	logical  int32
	lastMS   int64
	mu       sync.Mutex

	now func() time.Time
}

// Timestamp is a single clock reading
type Timestamp struct {
	WallTime int64
	Logical  int32
	ClientID uint64
}

// NewClock creates a new clock for the given client
func NewClock(clientID uint64) *Clock {
	c := &Clock{clientID: clientID, now: time.Now}
	now := c.now().UnixNano()
	c.wallTime = now
	c.lastMS = now / 1_000_000
	return c
}

// Now generates a new timestamp for a local event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// Logical resets per millisecond so it never spills into the wall bits
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Exhausted this millisecond: spin until the next one
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := c.now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		ClientID: c.clientID,
	}
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime < b.WallTime:
		return -1
	case a.WallTime > b.WallTime:
		return 1
	case a.Logical < b.Logical:
		return -1
	case a.Logical > b.Logical:
		return 1
	case a.ClientID < b.ClientID:
		return -1
	case a.ClientID > b.ClientID:
		return 1
	}
	return 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}

// Version packs the timestamp into a record version.
// Format: (physical_ms << 22) | (client_id << 16) | logical
func (t Timestamp) Version() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	clientID := t.ClientID & ClientMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (clientID << LogicalBits) | logical
}

// VersionTime extracts the wall-clock millisecond of a packed version
func VersionTime(version uint64) time.Time {
	return time.UnixMilli(int64(version >> TotalShiftBits))
}
