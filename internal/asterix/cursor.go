package asterix

import "fmt"

// Cursor is the read position over one message buffer. It only moves forward.
type Cursor struct {
	data []byte
	pos  int
}

// NewCursor creates a Cursor at the start of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Offset returns the current position.
func (c *Cursor) Offset() int { return c.pos }

// Len returns the buffer length.
func (c *Cursor) Len() int { return len(c.data) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.data) - c.pos }

// ReadByte consumes one byte.
func (c *Cursor) ReadByte() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, fmt.Errorf("%w: need 1 byte at offset %d", ErrInsufficientData, c.pos)
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

// Next consumes n bytes and returns them without copying.
func (c *Cursor) Next(n int) ([]byte, error) {
	if n < 0 || n > c.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrInsufficientData, n, c.pos, c.Remaining())
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ReadPresence consumes an FX-chained bitmask (FSPEC or compound indicator).
// The chain ends at the first octet with a clear LSB or at the end of the buffer,
// whichever comes first; running out of bytes is not an error.
func (c *Cursor) ReadPresence() Presence {
	start := c.pos
	for c.pos < len(c.data) {
		b := c.data[c.pos]
		c.pos++
		if b&1 == 0 {
			break
		}
	}
	return Presence(c.data[start:c.pos])
}

// Presence is a chain of octets carrying seven presence flags each (bits 8..2)
// followed by the extension bit.
type Presence []byte

// Len returns the number of flag slots in the chain.
func (p Presence) Len() int { return len(p) * 7 }

// Has reports whether zero-based slot i is flagged.
func (p Presence) Has(i int) bool {
	if i < 0 || i >= p.Len() {
		return false
	}
	return p[i/7]&(0x80>>(i%7)) != 0
}

// Slots returns the flagged zero-based slots in ascending order.
func (p Presence) Slots() []int {
	var slots []int
	for i := 0; i < p.Len(); i++ {
		if p.Has(i) {
			slots = append(slots, i)
		}
	}
	return slots
}
