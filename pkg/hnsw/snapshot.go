package hnsw

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/crypto/blake2b"
)

// snapshotVersion is the current on-disk format version (spec §4.5).
const snapshotVersion uint32 = 1

const checksumSize = 32 // blake2b-256 digest

// writeSnapshot writes vecs in the spec's binary little-endian format:
//
//	bytes 0-3:   version (u32)
//	bytes 4-7:   dimension (u32)
//	bytes 8-11:  count (u32)
//	per vector:  id length (u16) + id bytes (UTF-8) + dimension x float32
//
// followed by a blake2b-256 checksum trailer over every preceding byte,
// so a truncated or corrupted file is detected rather than silently
// partially loaded.
func writeSnapshot(path string, dimension int, vecs map[string][]float32) error {
	var body bytes.Buffer

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], snapshotVersion)
	binary.LittleEndian.PutUint32(header[4:8], uint32(dimension))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(vecs)))
	body.Write(header[:])

	for id, v := range vecs {
		if err := writeString(&body, id); err != nil {
			return err
		}
		for _, f32 := range v {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f32))
			body.Write(buf[:])
		}
	}

	sum := blake2b.Sum256(body.Bytes())

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("hnsw: create snapshot: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("hnsw: write snapshot body: %w", err)
	}
	if _, err := w.Write(sum[:]); err != nil {
		return fmt.Errorf("hnsw: write checksum trailer: %w", err)
	}
	return w.Flush()
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("hnsw: id too long: %d bytes", len(s))
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// readSnapshot reads and validates a snapshot written by writeSnapshot. It
// returns (nil, false, nil) if path does not exist (spec: load returns
// false, not an error, when the file is absent). Any other malformed input
// (wrong version, wrong dimension, truncation, checksum mismatch) is an
// explicit error — never a silent partial load.
func readSnapshot(path string, expectedDimension int) (map[string][]float32, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("hnsw: read snapshot: %w", err)
	}

	if len(data) < 12+checksumSize {
		return nil, false, fmt.Errorf("hnsw: snapshot truncated: %d bytes", len(data))
	}

	body := data[:len(data)-checksumSize]
	wantSum := data[len(data)-checksumSize:]
	gotSum := blake2b.Sum256(body)
	if !bytesEqual(gotSum[:], wantSum) {
		return nil, false, fmt.Errorf("hnsw: snapshot checksum mismatch")
	}

	version := binary.LittleEndian.Uint32(body[0:4])
	dimension := binary.LittleEndian.Uint32(body[4:8])
	count := binary.LittleEndian.Uint32(body[8:12])

	if version != snapshotVersion {
		return nil, false, fmt.Errorf("hnsw: unsupported snapshot version %d", version)
	}
	if int(dimension) != expectedDimension {
		return nil, false, fmt.Errorf("hnsw: snapshot dimension %d does not match index dimension %d", dimension, expectedDimension)
	}

	offset := 12
	out := make(map[string][]float32, count)
	for i := uint32(0); i < count; i++ {
		if offset+2 > len(body) {
			return nil, false, fmt.Errorf("hnsw: snapshot truncated reading id length at entry %d", i)
		}
		idLen := int(binary.LittleEndian.Uint16(body[offset : offset+2]))
		offset += 2

		if offset+idLen > len(body) {
			return nil, false, fmt.Errorf("hnsw: snapshot truncated reading id at entry %d", i)
		}
		id := string(body[offset : offset+idLen])
		offset += idLen

		vecBytes := int(dimension) * 4
		if offset+vecBytes > len(body) {
			return nil, false, fmt.Errorf("hnsw: snapshot truncated reading vector at entry %d", i)
		}
		v := make([]float32, dimension)
		for j := 0; j < int(dimension); j++ {
			bits := binary.LittleEndian.Uint32(body[offset : offset+4])
			v[j] = math.Float32frombits(bits)
			offset += 4
		}
		out[id] = v
	}

	return out, true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
