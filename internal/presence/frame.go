package presence

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Frame delimiters. Standard data frames and command/ACK frames carry a
// little-endian uint16 body length after the header; minimal frames are
// a fixed five bytes.
var (
	dataHeader = []byte{0xF4, 0xF3, 0xF2, 0xF1}
	dataFooter = []byte{0xF8, 0xF7, 0xF6, 0xF5}
	cmdHeader  = []byte{0xFD, 0xFC, 0xFB, 0xFA}
	cmdFooter  = []byte{0x04, 0x03, 0x02, 0x01}
)

const (
	minimalHead = 0x6E
	minimalTail = 0x62
	minimalLen  = 5

	dataTypeStandard = 0x01

	// maxBody bounds the declared body length; anything larger is a
	// false header match.
	maxBody = 256
	// maxBuffered caps decoder memory when the link carries noise.
	maxBuffered = 4096

	ackFlag = 0x0100
)

// Command words.
const (
	cmdEnableConfig  uint16 = 0x00FF
	cmdEndConfig     uint16 = 0x00FE
	cmdAutoThreshold uint16 = 0x0009
	cmdWriteParams   uint16 = 0x0070
	cmdOutputMode    uint16 = 0x007A
)

// General parameter words for cmdWriteParams. Each is followed by a
// little-endian uint32 value; report rates are in tenths of a hertz.
const (
	paramStatusHz      uint16 = 0x0002
	paramResponseSpeed uint16 = 0x000B
	paramDistanceHz    uint16 = 0x000C
)

// outputStandard selects standard data frames in cmdOutputMode.
const outputStandard uint32 = 1

type frameKind int

const (
	frameData frameKind = iota + 1
	frameAck
)

type frame struct {
	kind    frameKind
	reading Reading
	// ACK fields: the command word being acknowledged (without ackFlag)
	// and the status word, zero on success.
	command uint16
	status  uint16
}

// targetOccupied maps the module's target state byte. 0 and 1 mean no
// one present; 2 and 3 mean a moving or stationary target.
func targetOccupied(state byte) bool {
	return state >= 2
}

// decoder accumulates serial bytes and splits them into frames. It is
// not safe for concurrent use.
type decoder struct {
	buf []byte
}

func (d *decoder) write(p []byte) {
	d.buf = append(d.buf, p...)
	if len(d.buf) > maxBuffered {
		d.buf = append(d.buf[:0], d.buf[len(d.buf)-maxBuffered:]...)
	}
}

// next returns the next complete frame, or false when more bytes are
// needed. Bytes that cannot start a frame are discarded.
func (d *decoder) next() (frame, bool) {
	for {
		start := d.syncPoint()
		if start < 0 {
			d.buf = d.buf[:0]
			return frame{}, false
		}
		d.buf = d.buf[start:]

		f, n, ok := d.parse()
		switch {
		case n > 0 && ok:
			d.buf = d.buf[n:]
			if f.kind == 0 {
				continue
			}
			return f, true
		case n > 0:
			// False sync: skip this byte and keep scanning.
			d.buf = d.buf[1:]
		default:
			return frame{}, false
		}
	}
}

// syncPoint returns the index of the first byte that may begin a frame.
func (d *decoder) syncPoint() int {
	for i, b := range d.buf {
		if b == minimalHead || b == dataHeader[0] || b == cmdHeader[0] {
			return i
		}
	}
	return -1
}

// parse inspects the frame starting at d.buf[0]. It returns the number
// of bytes the frame occupies and whether it is valid. n == 0 means the
// buffer holds only a prefix and more bytes are needed; n > 0 with
// ok == false means d.buf[0] is not a real frame start.
func (d *decoder) parse() (f frame, n int, ok bool) {
	switch d.buf[0] {
	case minimalHead:
		if len(d.buf) < minimalLen {
			return frame{}, 0, false
		}
		if d.buf[4] != minimalTail || d.buf[1] > 3 {
			return frame{}, 1, false
		}
		return frame{
			kind: frameData,
			reading: Reading{
				Occupied: targetOccupied(d.buf[1]),
				Distance: binary.LittleEndian.Uint16(d.buf[2:4]),
			},
		}, minimalLen, true

	case dataHeader[0]:
		body, n, ok := d.lengthPrefixed(dataHeader, dataFooter)
		if !ok || n == 0 {
			return frame{}, n, false
		}
		if len(body) < 4 || body[0] != dataTypeStandard {
			return frame{}, 1, false
		}
		return frame{
			kind: frameData,
			reading: Reading{
				Occupied: targetOccupied(body[1]),
				Distance: binary.LittleEndian.Uint16(body[2:4]),
			},
		}, n, true

	case cmdHeader[0]:
		body, n, ok := d.lengthPrefixed(cmdHeader, cmdFooter)
		if !ok || n == 0 {
			return frame{}, n, false
		}
		if len(body) < 4 {
			return frame{}, 1, false
		}
		word := binary.LittleEndian.Uint16(body[0:2])
		if word&ackFlag == 0 {
			// An echo of our own request, not an ACK. Consume it whole.
			return frame{}, n, true
		}
		return frame{
			kind:    frameAck,
			command: word &^ ackFlag,
			status:  binary.LittleEndian.Uint16(body[2:4]),
		}, n, true
	}
	return frame{}, 1, false
}

// lengthPrefixed validates header, declared length and footer of a
// length-prefixed frame at d.buf[0] and returns its body.
func (d *decoder) lengthPrefixed(header, footer []byte) (body []byte, n int, ok bool) {
	const prefix = 6 // header + uint16 length
	if len(d.buf) < prefix {
		if !bytes.HasPrefix(header, d.buf[:min(len(d.buf), len(header))]) {
			return nil, 1, false
		}
		return nil, 0, false
	}
	if !bytes.Equal(d.buf[:4], header) {
		return nil, 1, false
	}
	size := int(binary.LittleEndian.Uint16(d.buf[4:6]))
	if size > maxBody {
		return nil, 1, false
	}
	total := prefix + size + len(footer)
	if len(d.buf) < total {
		return nil, 0, false
	}
	if !bytes.Equal(d.buf[prefix+size:total], footer) {
		return nil, 1, false
	}
	return d.buf[prefix : prefix+size], total, true
}

// encodeCommand builds a command frame: header, body length, command
// word, value, footer.
func encodeCommand(cmd uint16, value []byte) []byte {
	out := make([]byte, 0, len(cmdHeader)+2+2+len(value)+len(cmdFooter))
	out = append(out, cmdHeader...)
	out = binary.LittleEndian.AppendUint16(out, uint16(2+len(value)))
	out = binary.LittleEndian.AppendUint16(out, cmd)
	out = append(out, value...)
	out = append(out, cmdFooter...)
	return out
}

// le16s encodes each value as a little-endian uint16.
func le16s(vs ...uint16) []byte {
	out := make([]byte, 0, 2*len(vs))
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return out
}

// paramValue encodes one word/value pair as used by cmdWriteParams and
// cmdOutputMode.
func paramValue(word uint16, value uint32) []byte {
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 6), word)
	return binary.LittleEndian.AppendUint32(out, value)
}

// tenthsHz converts a report rate to the module's fixed-point form.
func tenthsHz(hz float64) uint32 {
	return uint32(math.Round(hz * 10))
}
