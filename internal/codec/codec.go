// Package codec classifies encoded video payloads so the broadcaster knows
// which ones a late-joining decoder needs.
package codec

import (
	"encoding/binary"
	"strings"

	"github.com/AlexxIT/go2rtc/pkg/h264"
	"github.com/AlexxIT/go2rtc/pkg/h265"
)

// Class is the caching role of a payload.
type Class int

const (
	Ordinary Class = iota
	ParamSetA
	ParamSetB
	ParamSetC
	Keyframe
)

func (c Class) String() string {
	switch c {
	case ParamSetA:
		return "param_set_a"
	case ParamSetB:
		return "param_set_b"
	case ParamSetC:
		return "param_set_c"
	case Keyframe:
		return "keyframe"
	default:
		return "ordinary"
	}
}

// Classifier inspects one payload.
type Classifier interface {
	Name() string
	Classify(payload []byte) Class
}

// Codec tags as sent in the stream header.
const (
	TagH264 uint32 = 0x68323634 // "h264"
	TagH265 uint32 = 0x68323635 // "h265"
	TagAV1  uint32 = 0x00617631 // "\0av1"
)

// ForName returns the classifier for "h264", "h265" or anything else.
func ForName(name string) Classifier {
	switch strings.ToLower(name) {
	case "h264", "avc":
		return H264{}
	case "h265", "hevc":
		return H265{}
	default:
		return Opaque{Codec: name}
	}
}

// ForTag picks a classifier from a header codec tag. Zero or unknown tags
// return fallback.
func ForTag(tag uint32, fallback Classifier) Classifier {
	switch tag {
	case TagH264:
		return H264{}
	case TagH265:
		return H265{}
	case TagAV1:
		return Opaque{Codec: "av1"}
	default:
		return fallback
	}
}

// TagName renders a codec tag as text for logs and the API.
func TagName(tag uint32) string {
	switch tag {
	case TagH264:
		return "h264"
	case TagH265:
		return "h265"
	case TagAV1:
		return "av1"
	case 0:
		return ""
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], tag)
	return strings.Trim(string(b[:]), "\x00")
}

// H264 classifies Annex-B or length-prefixed H.264.
type H264 struct{}

func (H264) Name() string { return "h264" }

func (H264) Classify(payload []byte) Class {
	return classify(payload, func(hdr byte) Class {
		switch hdr & 0x1F {
		case h264.NALUTypeSPS:
			return ParamSetA
		case h264.NALUTypePPS:
			return ParamSetB
		case h264.NALUTypeIFrame:
			return Keyframe
		}
		return Ordinary
	})
}

// H265 classifies Annex-B or length-prefixed H.265.
type H265 struct{}

func (H265) Name() string { return "h265" }

func (H265) Classify(payload []byte) Class {
	return classify(payload, func(hdr byte) Class {
		t := (hdr >> 1) & 0x3F
		switch {
		case t == h265.NALUTypeVPS:
			return ParamSetA
		case t == h265.NALUTypeSPS:
			return ParamSetB
		case t == h265.NALUTypePPS:
			return ParamSetC
		case t >= 16 && t <= 21: // IRAP range
			return Keyframe
		}
		return Ordinary
	})
}

// Opaque is used for codecs whose bitstream is not inspected. Nothing is cached.
type Opaque struct {
	Codec string
}

func (o Opaque) Name() string { return o.Codec }

func (Opaque) Classify([]byte) Class { return Ordinary }

// classify reports Keyframe if any unit is a keyframe, otherwise the class
// of the first parameter set, otherwise Ordinary.
func classify(payload []byte, unitClass func(hdr byte) Class) Class {
	result := Ordinary
	for _, hdr := range unitHeaders(payload) {
		switch c := unitClass(hdr); c {
		case Keyframe:
			return Keyframe
		case Ordinary:
		default:
			if result == Ordinary {
				result = c
			}
		}
	}
	return result
}

// unitHeaders returns the first byte of every NAL unit in payload.
func unitHeaders(payload []byte) []byte {
	if startCodeLen(payload, 0) > 0 {
		return annexBHeaders(payload)
	}
	if hdrs, ok := lengthPrefixedHeaders(payload); ok {
		return hdrs
	}
	return nil
}

func startCodeLen(b []byte, i int) int {
	if i+3 <= len(b) && b[i] == 0 && b[i+1] == 0 {
		if b[i+2] == 1 {
			return 3
		}
		if i+4 <= len(b) && b[i+2] == 0 && b[i+3] == 1 {
			return 4
		}
	}
	return 0
}

func annexBHeaders(b []byte) []byte {
	var hdrs []byte
	for i := 0; i < len(b); {
		n := startCodeLen(b, i)
		if n == 0 {
			i++
			continue
		}
		i += n
		if i < len(b) {
			hdrs = append(hdrs, b[i])
		}
	}
	return hdrs
}

func lengthPrefixedHeaders(b []byte) ([]byte, bool) {
	var hdrs []byte
	for i := 0; i < len(b); {
		if i+4 > len(b) {
			return nil, false
		}
		size := int(binary.BigEndian.Uint32(b[i:]))
		i += 4
		if size == 0 || i+size > len(b) {
			return nil, false
		}
		hdrs = append(hdrs, b[i])
		i += size
	}
	return hdrs, len(hdrs) > 0
}
