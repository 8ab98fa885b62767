package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		want  []byte
	}{
		{
			name:  "ack",
			frame: &Frame{Control: ACK},
			want:  []byte{0x06},
		},
		{
			name:  "nak",
			frame: &Frame{Control: NAK},
			want:  []byte{0x15},
		},
		{
			name:  "request without payload",
			frame: NewRequest(0x02, nil),
			want:  []byte{0x01, 0x03, 0x00, 0x02, 0xFE},
		},
		{
			name:  "request with payload",
			frame: NewRequest(0x13, []byte{0x05, 0x01, 0x20}),
			want:  []byte{0x01, 0x06, 0x00, 0x13, 0x05, 0x01, 0x20, 0xCE},
		},
		{
			name:  "response",
			frame: NewResponse(0x13, []byte{0x01}),
			want:  []byte{0x01, 0x04, 0x01, 0x13, 0x01, 0xE8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.frame.Bytes()
			if err != nil {
				t.Fatalf("Bytes failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % 02x, want % 02x", got, tt.want)
			}
		})
	}
}

func TestFrameBytesPayloadTooLong(t *testing.T) {
	f := NewRequest(0x13, make([]byte, MaxPayloadLength+1))
	if _, err := f.Bytes(); !errors.Is(err, ErrPayloadTooLong) {
		t.Fatalf("expected ErrPayloadTooLong, got %v", err)
	}
}

func TestParserControlBytes(t *testing.T) {
	p := NewParser()
	for _, b := range []uint8{ACK, NAK, CAN} {
		f, err := p.Parse(b)
		if err != nil {
			t.Fatalf("Parse(0x%02x) failed: %v", b, err)
		}
		if f == nil || f.Control != b {
			t.Fatalf("Parse(0x%02x) = %v", b, f)
		}
	}
}

func TestParserDataFrame(t *testing.T) {
	p := NewParser()
	raw := []byte{0x01, 0x06, 0x00, 0x13, 0x05, 0x01, 0x20, 0xCE}

	var got *Frame
	for i, b := range raw {
		f, err := p.Parse(b)
		if err != nil {
			t.Fatalf("Parse byte %d failed: %v", i, err)
		}
		if f != nil && i < len(raw)-1 {
			t.Fatalf("frame completed early at byte %d", i)
		}
		got = f
	}

	if got == nil {
		t.Fatal("no frame after final byte")
	}
	if got.Type != TypeRequest || got.Function != 0x13 {
		t.Errorf("got type=0x%02x fn=0x%02x", got.Type, got.Function)
	}
	if !bytes.Equal(got.Payload, []byte{0x05, 0x01, 0x20}) {
		t.Errorf("got payload % 02x", got.Payload)
	}
	if p.InFrame() {
		t.Error("parser still in frame after completion")
	}
}

func TestParserRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewRequest(0x04, []byte{0x00, 0x05, 0x02, 0x25, 0x03}),
		NewResponse(0x20, []byte{0xC1, 0x5B, 0x8A, 0x12, 0x01}),
		NewRequest(0x02, nil),
	}

	p := NewParser()
	for _, f := range frames {
		raw, err := f.Bytes()
		if err != nil {
			t.Fatalf("Bytes failed: %v", err)
		}
		var got *Frame
		for _, b := range raw {
			out, err := p.Parse(b)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if out != nil {
				got = out
			}
		}
		if got == nil {
			t.Fatalf("no frame for %s", f)
		}
		if got.Type != f.Type || got.Function != f.Function || !bytes.Equal(got.Payload, f.Payload) {
			t.Errorf("round trip mismatch: got %s, want %s", got, f)
		}
	}
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name  string
		bytes []byte
		want  error
	}{
		{
			name:  "invalid preamble",
			bytes: []byte{0x42},
			want:  ErrInvalidPreamble,
		},
		{
			name:  "invalid length",
			bytes: []byte{0x01, 0x02},
			want:  ErrInvalidLength,
		},
		{
			name:  "invalid type",
			bytes: []byte{0x01, 0x03, 0x07},
			want:  ErrInvalidType,
		},
		{
			name:  "checksum mismatch",
			bytes: []byte{0x01, 0x03, 0x00, 0x02, 0x00},
			want:  ErrChecksum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			var lastErr error
			for _, b := range tt.bytes {
				_, lastErr = p.Parse(b)
			}
			if !errors.Is(lastErr, tt.want) {
				t.Fatalf("got %v, want %v", lastErr, tt.want)
			}
			if p.InFrame() {
				t.Error("parser not reset after error")
			}

			// The parser must accept a valid frame right after the error.
			for _, b := range []byte{0x01, 0x03, 0x00, 0x02, 0xFE} {
				f, err := p.Parse(b)
				if err != nil {
					t.Fatalf("Parse after error failed: %v", err)
				}
				if f != nil && f.Function != 0x02 {
					t.Errorf("got fn=0x%02x after recovery", f.Function)
				}
			}
		})
	}
}

func TestParserReset(t *testing.T) {
	p := NewParser()
	for _, b := range []byte{0x01, 0x06, 0x00} {
		if _, err := p.Parse(b); err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
	}
	if !p.InFrame() {
		t.Fatal("expected parser mid-frame")
	}

	p.Reset()
	if p.InFrame() {
		t.Fatal("expected parser reset")
	}

	f, err := p.Parse(ACK)
	if err != nil || f == nil || f.Control != ACK {
		t.Fatalf("Parse(ACK) after reset = %v, %v", f, err)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteFrame(NewRequest(0x02, nil)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := w.WriteACK(); err != nil {
		t.Fatalf("WriteACK failed: %v", err)
	}
	if err := w.WriteNAK(); err != nil {
		t.Fatalf("WriteNAK failed: %v", err)
	}
	if err := w.WriteCAN(); err != nil {
		t.Fatalf("WriteCAN failed: %v", err)
	}

	want := []byte{0x01, 0x03, 0x00, 0x02, 0xFE, 0x06, 0x15, 0x18}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got % 02x, want % 02x", buf.Bytes(), want)
	}
}
