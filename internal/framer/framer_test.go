package framer

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func testStream(packets ...[]byte) []byte {
	stream := EncodeHeader(DeviceInfo{Name: "Pixel 7", CodecTag: 0x68323634, Width: 1080, Height: 2400})
	for i, p := range packets {
		stream = append(stream, EncodePacket(uint64(i)*1000, p)...)
	}
	return stream
}

func feedAll(t *testing.T, f *Framer, chunks [][]byte) []Event {
	t.Helper()
	var out []Event
	for _, c := range chunks {
		evs, err := f.Feed(c)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		out = append(out, evs...)
	}
	return out
}

func TestHeaderDecoding(t *testing.T) {
	f := New(0)
	evs, err := f.Feed(testStream())
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	info, ok := evs[0].(DeviceInfo)
	if !ok {
		t.Fatalf("first event is %T, want DeviceInfo", evs[0])
	}
	want := DeviceInfo{Name: "Pixel 7", CodecTag: 0x68323634, Width: 1080, Height: 2400}
	if info != want {
		t.Errorf("got %+v, want %+v", info, want)
	}
	if f.State() != AwaitingPacketMeta {
		t.Errorf("state = %v, want %v", f.State(), AwaitingPacketMeta)
	}
}

func TestPartialPayloadWaits(t *testing.T) {
	f := New(0)
	stream := testStream([]byte{1, 2, 3, 4, 5})
	cut := HeaderSize + MetaSize + 3

	evs, err := f.Feed(stream[:cut])
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events before payload completes, want only DeviceInfo", len(evs))
	}
	if f.State() != AwaitingPacketData {
		t.Errorf("state = %v, want %v", f.State(), AwaitingPacketData)
	}

	evs, err = f.Feed(stream[cut:])
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events after completion, want 1", len(evs))
	}
	pkt, ok := evs[0].(VideoPacket)
	if !ok {
		t.Fatalf("event is %T, want VideoPacket", evs[0])
	}
	if !reflect.DeepEqual(pkt.Payload, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("payload = %v", pkt.Payload)
	}
	if f.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", f.Buffered())
	}
}

func TestChunkingDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var packets [][]byte
	for i := 0; i < 20; i++ {
		p := make([]byte, rng.Intn(300))
		rng.Read(p)
		packets = append(packets, p)
	}
	packets = append(packets, []byte{})
	stream := testStream(packets...)

	want := feedAll(t, New(0), [][]byte{stream})
	if len(want) != len(packets)+1 {
		t.Fatalf("whole-stream feed gave %d events, want %d", len(want), len(packets)+1)
	}

	t.Run("byte at a time", func(t *testing.T) {
		var chunks [][]byte
		for i := range stream {
			chunks = append(chunks, stream[i:i+1])
		}
		if got := feedAll(t, New(0), chunks); !reflect.DeepEqual(got, want) {
			t.Error("byte-wise feed differs from single feed")
		}
	})

	for seed := int64(0); seed < 10; seed++ {
		var chunks [][]byte
		r := rand.New(rand.NewSource(seed))
		for rest := stream; len(rest) > 0; {
			n := 1 + r.Intn(97)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		if got := feedAll(t, New(0), chunks); !reflect.DeepEqual(got, want) {
			t.Errorf("seed %d: random chunking differs from single feed", seed)
		}
	}
}

func TestPayloadIsCopied(t *testing.T) {
	f := New(0)
	stream := testStream([]byte{9, 9, 9})
	evs, err := f.Feed(stream)
	if err != nil {
		t.Fatal(err)
	}
	for i := range stream {
		stream[i] = 0
	}
	if pkt := evs[1].(VideoPacket); !reflect.DeepEqual(pkt.Payload, []byte{9, 9, 9}) {
		t.Errorf("payload aliased input buffer: %v", pkt.Payload)
	}
}

func TestOversizedPacket(t *testing.T) {
	f := New(1024)
	stream := EncodeHeader(DeviceInfo{Name: "x"})
	meta := EncodePacket(0, nil)
	meta[8], meta[9], meta[10], meta[11] = 0xff, 0xff, 0xff, 0xff
	stream = append(stream, meta...)

	evs, err := f.Feed(stream)
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
	if fe.Size != 0xffffffff || fe.Limit != 1024 {
		t.Errorf("FramingError = %+v", fe)
	}
	if len(evs) != 1 {
		t.Errorf("events before error = %d, want the DeviceInfo", len(evs))
	}
	if _, again := f.Feed([]byte{0}); !errors.As(again, &fe) {
		t.Error("framer accepted input after a framing error")
	}
}

func TestNameStripsNULs(t *testing.T) {
	evs, err := New(0).Feed(EncodeHeader(DeviceInfo{Name: "SM-G991B"}))
	if err != nil {
		t.Fatal(err)
	}
	if name := evs[0].(DeviceInfo).Name; name != "SM-G991B" {
		t.Errorf("Name = %q", name)
	}
}

func TestStateString(t *testing.T) {
	if AwaitingPacketData.String() != "awaiting_packet_data" {
		t.Error(AwaitingPacketData.String())
	}
}
