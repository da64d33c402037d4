// Package framer turns the agent's video socket byte stream into a device
// header followed by discrete video packets.
//
// Wire layout, big-endian:
//
//	header  [0,64) device name, NUL padded
//	        [64,68) codec tag
//	        [68,72) width
//	        [72,76) height
//	packet  [0,8) presentation timestamp
//	        [8,12) payload size
//	        [12,12+size) payload
package framer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize = 76
	MetaSize   = 12

	// DefaultMaxPacketSize bounds a single declared payload.
	DefaultMaxPacketSize = 16 << 20
)

// State is the unit the framer is waiting for.
type State int

const (
	AwaitingHeader State = iota
	AwaitingPacketMeta
	AwaitingPacketData
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingPacketMeta:
		return "awaiting_packet_meta"
	case AwaitingPacketData:
		return "awaiting_packet_data"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is either DeviceInfo or VideoPacket.
type Event interface {
	event()
}

// DeviceInfo is decoded from the stream header. It is always the first event.
type DeviceInfo struct {
	Name     string
	CodecTag uint32
	Width    uint32
	Height   uint32
}

// VideoPacket is one encoded access unit. Payload is owned by the receiver.
type VideoPacket struct {
	PTS     uint64
	Payload []byte
}

func (DeviceInfo) event()  {}
func (VideoPacket) event() {}

// FramingError reports a declared payload size above the configured limit.
// The stream cannot be resynchronised after it.
type FramingError struct {
	Size  uint32
	Limit uint32
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("declared packet size %d exceeds limit %d", e.Size, e.Limit)
}

// Framer is not safe for concurrent use. One instance serves one socket.
type Framer struct {
	limit   uint32
	state   State
	buf     []byte
	off     int
	pending uint32
	pts     uint64
	err     error
}

// New returns a framer that rejects payloads larger than maxPacketSize.
// A non-positive value selects DefaultMaxPacketSize.
func New(maxPacketSize int) *Framer {
	if maxPacketSize <= 0 || maxPacketSize > 1<<31 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &Framer{limit: uint32(maxPacketSize)}
}

// State reports what the framer is currently waiting for.
func (f *Framer) State() State {
	return f.state
}

// Buffered is the number of received bytes not yet consumed.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// Feed appends chunk and returns every event that is now complete.
// Once a FramingError is returned every later call returns it too.
func (f *Framer) Feed(chunk []byte) ([]Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.buf = append(f.buf, chunk...)

	var out []Event
	for {
		avail := f.buf[f.off:]
		switch f.state {
		case AwaitingHeader:
			if len(avail) < HeaderSize {
				f.compact()
				return out, nil
			}
			out = append(out, decodeHeader(avail[:HeaderSize]))
			f.off += HeaderSize
			f.state = AwaitingPacketMeta

		case AwaitingPacketMeta:
			if len(avail) < MetaSize {
				f.compact()
				return out, nil
			}
			f.pts = binary.BigEndian.Uint64(avail[0:8])
			size := binary.BigEndian.Uint32(avail[8:12])
			if size > f.limit {
				f.err = &FramingError{Size: size, Limit: f.limit}
				f.buf, f.off = nil, 0
				return out, f.err
			}
			f.pending = size
			f.off += MetaSize
			f.state = AwaitingPacketData

		case AwaitingPacketData:
			if uint32(len(avail)) < f.pending {
				f.compact()
				return out, nil
			}
			payload := make([]byte, f.pending)
			copy(payload, avail[:f.pending])
			out = append(out, VideoPacket{PTS: f.pts, Payload: payload})
			f.off += int(f.pending)
			f.pending = 0
			f.state = AwaitingPacketMeta
		}
	}
}

// compact drops consumed bytes so the buffer does not grow without bound.
func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.off:])
	f.buf = f.buf[:n]
	f.off = 0
}

func decodeHeader(b []byte) DeviceInfo {
	return DeviceInfo{
		Name:     string(bytes.TrimRight(b[0:64], "\x00")),
		CodecTag: binary.BigEndian.Uint32(b[64:68]),
		Width:    binary.BigEndian.Uint32(b[68:72]),
		Height:   binary.BigEndian.Uint32(b[72:76]),
	}
}

// EncodeHeader builds a stream header. Names longer than 64 bytes are truncated.
func EncodeHeader(info DeviceInfo) []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:64], info.Name)
	binary.BigEndian.PutUint32(b[64:68], info.CodecTag)
	binary.BigEndian.PutUint32(b[68:72], info.Width)
	binary.BigEndian.PutUint32(b[72:76], info.Height)
	return b
}

// EncodePacket builds one meta+payload unit.
func EncodePacket(pts uint64, payload []byte) []byte {
	b := make([]byte, MetaSize+len(payload))
	binary.BigEndian.PutUint64(b[0:8], pts)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(payload)))
	copy(b[MetaSize:], payload)
	return b
}
