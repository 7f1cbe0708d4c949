package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			m := buildAddModule(t)
			data, err := Encode(m, EncodeOptions{Compress: compress})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(m, got) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, m)
			}
		})
	}
}

func TestEncodeCanonical(t *testing.T) {
	m := buildAddModule(t)
	a, err := Encode(m, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(m, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding of equal modules differs")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	m := buildAddModule(t)
	data, err := Encode(m, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[0] = 'X'
	if _, err := Decode(data); !errors.Is(err, ErrBadMagic) {
		t.Errorf("Decode: %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	m := buildAddModule(t)
	data, err := Encode(m, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	binary.BigEndian.PutUint32(data[8:12], Version+1)
	if _, err := Decode(data); !errors.Is(err, ErrBadVersion) {
		t.Errorf("Decode: %v, want ErrBadVersion", err)
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	if _, err := Decode(Magic[:]); !errors.Is(err, ErrShortHeader) {
		t.Errorf("Decode: %v, want ErrShortHeader", err)
	}
}

func TestDecodeRevalidates(t *testing.T) {
	// A structurally broken module must be rejected at Decode even if the
	// container itself is intact.
	m := buildAddModule(t)
	data, err := Encode(m, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	broken := *m
	broken.Functions = append([]Function(nil), m.Functions...)
	broken.Functions[0].Code = append([]Instruction(nil), m.Functions[0].Code...)
	broken.Functions[0].Code[0] = Instruction{Op: OpLoadConst, A: 0, Imm: 99}
	body, err := encMode.Marshal(&broken)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	raw := append(append([]byte{}, data[:13]...), body...)
	var verr *ValidationError
	if _, err := Decode(raw); !errors.As(err, &verr) {
		t.Errorf("Decode: %v, want *ValidationError", err)
	}
}

func TestDecodeRejectsGarbageBody(t *testing.T) {
	raw := append(append([]byte{}, Magic[:]...), 0, 0, 0, 1, 0, 0xFF, 0xFF)
	if _, err := Decode(raw); err == nil {
		t.Error("Decode accepted garbage body")
	}
}
