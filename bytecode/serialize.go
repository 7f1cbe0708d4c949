package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------
//
// Container layout:
//
//	[0:8]   magic "OSPREYBC"
//	[8:12]  big-endian uint32 format version
//	[12]    flags byte (bit 0: lz4-compressed body)
//	[13:]   canonical CBOR encoding of Module (possibly lz4 frames)
//
// Canonical CBOR means equal modules always serialize to equal bytes.

// Magic is the 8-byte container signature.
var Magic = [8]byte{'O', 'S', 'P', 'R', 'E', 'Y', 'B', 'C'}

// Version is the current container format version. Readers accept exactly
// this version; anything else is rejected before decoding the body.
const Version uint32 = 1

const flagCompressed byte = 1 << 0

// Sentinel errors for container-level failures.
var (
	ErrBadMagic    = errors.New("bytecode: bad magic")
	ErrShortHeader = errors.New("bytecode: truncated header")
	ErrBadVersion  = errors.New("bytecode: unsupported format version")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: cbor dec mode: %v", err))
	}
}

// EncodeOptions control container encoding.
type EncodeOptions struct {
	// Compress lz4-compresses the CBOR body. Worth it for modules past a
	// few kilobytes; small modules usually grow.
	Compress bool
}

// Encode serializes a module into the versioned container format.
// The module is validated first; invalid modules are never written.
func Encode(m *Module, opts EncodeOptions) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bytecode: encode module %q: %w", m.Name, err)
	}

	var flags byte
	if opts.Compress {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("bytecode: compress module %q: %w", m.Name, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("bytecode: compress module %q: %w", m.Name, err)
		}
		body = buf.Bytes()
		flags |= flagCompressed
	}

	out := make([]byte, 0, 13+len(body))
	out = append(out, Magic[:]...)
	out = binary.BigEndian.AppendUint32(out, Version)
	out = append(out, flags)
	out = append(out, body...)
	return out, nil
}

// Decode reads a module from the container format. Magic, version, and
// module structure are all validated before the module is returned, so a
// successful Decode yields a module safe to execute.
func Decode(data []byte) (*Module, error) {
	if len(data) < 13 {
		return nil, ErrShortHeader
	}
	if !bytes.Equal(data[:8], Magic[:]) {
		return nil, fmt.Errorf("%w: got % X", ErrBadMagic, data[:8])
	}
	version := binary.BigEndian.Uint32(data[8:12])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, version, Version)
	}
	flags := data[12]
	body := data[13:]

	if flags&flagCompressed != 0 {
		zr := lz4.NewReader(bytes.NewReader(body))
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("bytecode: decompress: %w", err)
		}
		body = raw
	}

	var m Module
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("bytecode: decode body: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
