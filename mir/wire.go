package mir

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Program file format
// ---------------------------------------------------------------------------

// WireMagic identifies a Ferrite program file.
var WireMagic = [4]byte{'F', 'I', 'R', 'E'}

// Wire format version
// v1: initial format: magic(4) + version(4, LE) + canonical CBOR Program
const WireVersion uint32 = 1

const wireHeaderSize = 8

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("mir: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Encode serializes a program to the wire format. Encoding is
// deterministic: the same program always yields the same bytes.
func Encode(p *Program) ([]byte, error) {
	body, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("mir: marshal program: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, wireHeaderSize+len(body)))
	buf.Write(WireMagic[:])
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], WireVersion)
	buf.Write(ver[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses, validates, and finalizes a program from wire bytes.
func Decode(data []byte) (*Program, error) {
	if len(data) < wireHeaderSize {
		return nil, fmt.Errorf("mir: file too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], WireMagic[:]) {
		return nil, fmt.Errorf("mir: bad magic %q", data[:4])
	}
	ver := binary.LittleEndian.Uint32(data[4:8])
	if ver != WireVersion {
		return nil, fmt.Errorf("mir: unsupported wire version %d (want %d)", ver, WireVersion)
	}

	var p Program
	if err := cbor.Unmarshal(data[wireHeaderSize:], &p); err != nil {
		return nil, fmt.Errorf("mir: unmarshal program: %w", err)
	}
	if err := p.Finalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Hash is a program's content identity: SHA-256 over its wire
// encoding. Deterministic encoding makes equal programs hash equal.
func (p *Program) Hash() ([32]byte, error) {
	data, err := Encode(p)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// WriteFile encodes a program to path.
func WriteFile(path string, p *Program) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mir: write %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes a program from path.
func ReadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mir: read %s: %w", path, err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
