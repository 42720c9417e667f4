// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/stream"
)

// FrameReader assembles complete MQTT frames from a non-blocking stream. It
// reads the fixed header a byte at a time, then the payload into a buffer
// sized for the whole frame. A payload cut short by the stream running dry is
// kept and resumed on the next call.
type FrameReader struct {
	// ResumeHeaders keeps a partially read fixed header across calls instead
	// of discarding it with ErrPartialHeader.
	ResumeHeaders bool

	parser packets.HeaderParser
	frame  []byte
	filled int
	one    [1]byte
}

// NewFrameReader returns a new frame reader.
func NewFrameReader(resumeHeaders bool) *FrameReader {
	return &FrameReader{ResumeHeaders: resumeHeaders}
}

// ReadFrame returns the next complete frame, fixed header included. It returns
// nil, nil when the stream has no more bytes for now.
func (f *FrameReader) ReadFrame(s stream.Stream) ([]byte, error) {
	if f.frame == nil {
		for {
			n, err := s.Read(f.one[:])
			if err != nil {
				f.Reset()
				return nil, err
			}

			if n == 0 {
				if !f.parser.Started() || f.ResumeHeaders {
					return nil, nil
				}

				f.Reset()
				return nil, ErrPartialHeader
			}

			more, err := f.parser.AppendByte(f.one[0])
			if err != nil {
				f.Reset()
				return nil, err
			}

			if !more {
				break
			}
		}

		f.frame = f.parser.NewFrame()
		f.filled = f.parser.HeaderSize()
	}

	for f.filled < len(f.frame) {
		n, err := s.Read(f.frame[f.filled:])
		if err != nil {
			f.Reset()
			return nil, err
		}

		if n == 0 {
			return nil, nil
		}

		f.filled += n
	}

	frame := f.frame
	f.Reset()
	return frame, nil
}

// Pending returns true if a frame has been partially read.
func (f *FrameReader) Pending() bool {
	return f.frame != nil || f.parser.Started()
}

// Reset discards any partially read frame.
func (f *FrameReader) Reset() {
	f.parser.Reset()
	f.frame = nil
	f.filled = 0
}
