// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

const maxLengthBytes = 4

// HeaderParser incrementally decodes a fixed header one byte at a time, so it
// can be fed from a non-blocking stream. The zero value is ready to use.
type HeaderParser struct {
	buf        [1 + maxLengthBytes]byte
	n          int
	remaining  int
	multiplier int
	complete   bool
}

// AppendByte feeds the next header byte into the parser. more is true while the
// parser needs further bytes. ErrMalformedHeader is returned if the fourth
// length byte still has its continuation bit set.
func (p *HeaderParser) AppendByte(b byte) (more bool, err error) {
	if p.complete {
		return false, ErrHeaderComplete
	}

	if p.n == len(p.buf) {
		return false, ErrMalformedHeader
	}

	p.buf[p.n] = b
	p.n++

	if p.n == 1 {
		p.multiplier = 1
		return true, nil
	}

	p.remaining += int(b&0x7f) * p.multiplier
	if b&0x80 == 0 {
		p.complete = true
		return false, nil
	}

	if p.n-1 == maxLengthBytes {
		return false, ErrMalformedHeader
	}

	p.multiplier *= 128
	return true, nil
}

// Started returns true if at least one header byte has been consumed.
func (p *HeaderParser) Started() bool {
	return p.n > 0
}

// IsComplete returns true once the remaining length has terminated.
func (p *HeaderParser) IsComplete() bool {
	return p.complete
}

// Type returns the packet type nibble.
func (p *HeaderParser) Type() byte {
	return p.buf[0] >> 4
}

// Flags returns the flag nibble.
func (p *HeaderParser) Flags() byte {
	return p.buf[0] & 0x0f
}

// RemainingLength returns the decoded remaining length. It is only final once IsComplete is true.
func (p *HeaderParser) RemainingLength() int {
	return p.remaining
}

// HeaderSize returns the number of bytes consumed so far (1 to 5).
func (p *HeaderParser) HeaderSize() int {
	return p.n
}

// Header returns the parsed fixed header.
func (p *HeaderParser) Header() FixedHeader {
	return FixedHeader{
		Type:      p.Type(),
		Flags:     p.Flags(),
		Remaining: p.remaining,
	}
}

// NewFrame allocates a buffer sized for the whole packet and copies the header
// bytes into its start. It must only be called once the header is complete.
func (p *HeaderParser) NewFrame() []byte {
	frame := make([]byte, p.n+p.remaining)
	copy(frame, p.buf[:p.n])
	return frame
}

// Reset clears the parser for the next packet.
func (p *HeaderParser) Reset() {
	*p = HeaderParser{}
}

// ParseHeader decodes the fixed header at the start of b, returning the header
// and its size in bytes.
func ParseHeader(b []byte) (FixedHeader, int, error) {
	var p HeaderParser
	for _, c := range b {
		more, err := p.AppendByte(c)
		if err != nil {
			return FixedHeader{}, 0, err
		}
		if !more {
			return p.Header(), p.HeaderSize(), nil
		}
	}

	return FixedHeader{}, 0, ErrHeaderIncomplete
}
