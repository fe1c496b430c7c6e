package zeromq

import "encoding/binary"

// ZMTP 3 stream layout: a 64-byte greeting followed by frames of
// flags | size (1 byte, or 8 bytes BE with flagLong) | body.
const (
	greetingSize = 64

	flagMore    byte = 0x01
	flagLong    byte = 0x02
	flagCommand byte = 0x04

	// headLimit is how much of each body the scanner keeps.
	headLimit = 32
)

// frame is one complete ZMTP frame seen on a stream.
type frame struct {
	flags byte
	// first is set when the frame opens a message.
	first bool
	// head holds up to headLimit leading body bytes. It is only valid
	// for the duration of the callback.
	head []byte
}

func (f frame) command() bool { return f.flags&flagCommand != 0 }

func (f frame) more() bool { return f.flags&flagMore != 0 }

// commandName returns the name of a command frame, or "".
func (f frame) commandName() string {
	if !f.command() || len(f.head) == 0 {
		return ""
	}

	n := int(f.head[0])
	if 1+n > len(f.head) {
		return ""
	}

	return string(f.head[1 : 1+n])
}

// lastOfMessage reports whether f completes a data message.
func (f frame) lastOfMessage() bool {
	return !f.command() && !f.more()
}

// subscription classifies a frame sent by a SUB peer. It returns +1 for
// a subscribe, -1 for a cancel and 0 otherwise, with the (possibly
// truncated) topic. ZMTP 3.0 peers send a one-frame message prefixed
// with 1 or 0; ZMTP 3.1 peers send SUBSCRIBE and CANCEL commands.
func subscription(f frame) (int, string) {
	if f.command() {
		name := f.commandName()
		topic := ""
		if off := 1 + len(name); off <= len(f.head) {
			topic = string(f.head[off:])
		}

		switch name {
		case "SUBSCRIBE":
			return 1, topic
		case "CANCEL":
			return -1, topic
		}

		return 0, ""
	}

	if !f.first || f.more() || len(f.head) == 0 {
		return 0, ""
	}

	switch f.head[0] {
	case 1:
		return 1, string(f.head[1:])
	case 0:
		return -1, string(f.head[1:])
	}

	return 0, ""
}

// scanner follows one direction of a ZMTP stream without buffering it
// and reports every completed frame.
type scanner struct {
	skip   int
	hdr    [9]byte
	nhdr   int
	remain uint64
	inBody bool
	more   bool
	cur    frame
	emit   func(frame)
}

func newScanner(emit func(frame)) *scanner {
	return &scanner{skip: greetingSize, emit: emit}
}

func (s *scanner) feed(p []byte) {
	for len(p) > 0 {
		switch {
		case s.skip > 0:
			n := min(s.skip, len(p))
			s.skip -= n
			p = p[n:]
		case !s.inBody:
			s.hdr[s.nhdr] = p[0]
			s.nhdr++
			p = p[1:]

			size := 1
			if s.hdr[0]&flagLong != 0 {
				size = 8
			}
			if s.nhdr < 1+size {
				continue
			}

			if size == 1 {
				s.remain = uint64(s.hdr[1])
			} else {
				s.remain = binary.BigEndian.Uint64(s.hdr[1:9])
			}

			s.cur = frame{flags: s.hdr[0], first: !s.more, head: s.cur.head[:0]}
			s.nhdr = 0
			s.inBody = true

			if s.remain == 0 {
				s.end()
			}
		default:
			n := len(p)
			if uint64(n) > s.remain {
				n = int(s.remain)
			}

			if room := headLimit - len(s.cur.head); room > 0 {
				s.cur.head = append(s.cur.head, p[:min(n, room)]...)
			}

			s.remain -= uint64(n)
			p = p[n:]

			if s.remain == 0 {
				s.end()
			}
		}
	}
}

func (s *scanner) end() {
	s.inBody = false
	if !s.cur.command() {
		s.more = s.cur.more()
	}

	s.emit(s.cur)
}
