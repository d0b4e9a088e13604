package btree

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

const (
	snapshotVersion = 1
	checksumSize    = 32
)

// Persist writes every (timestamp, id) pair to path in timestamp order, via
// a leaf-linked scan, so Restore can rebuild the tree without replaying
// insert history. Format: version(u32) | order(u32) | count(u64) | repeated
// [timestamp(i64) | len(u16) id-bytes], one entry per (timestamp, id) pair |
// blake2b-256(body).
func (t *Tree) Persist(path string) error {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.BigEndian, uint32(snapshotVersion)); err != nil {
		return err
	}
	if err := binary.Write(&body, binary.BigEndian, uint32(t.order)); err != nil {
		return err
	}

	var pairs []struct {
		ts int64
		id string
	}
	for l := t.firstLeafPtr(); l != nil; l = l.next {
		for _, e := range l.entries {
			for _, id := range e.ids {
				pairs = append(pairs, struct {
					ts int64
					id string
				}{e.timestamp, id})
			}
		}
	}

	if err := binary.Write(&body, binary.BigEndian, uint64(len(pairs))); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := binary.Write(&body, binary.BigEndian, p.ts); err != nil {
			return err
		}
		if err := writeString(&body, p.id); err != nil {
			return err
		}
	}

	checksum := blake2b.Sum256(body.Bytes())

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(checksum[:]); err != nil {
		return err
	}
	return w.Flush()
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// Restore rebuilds a Tree from a Persist snapshot, reinserting every pair
// through Insert so the tree's shape invariants hold regardless of what
// order they were written in. Returns (nil, false, nil) if path does not
// exist.
func Restore(path string, order int) (*Tree, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(raw) < checksumSize {
		return nil, false, fmt.Errorf("btree: snapshot truncated")
	}

	body := raw[:len(raw)-checksumSize]
	wantSum := raw[len(raw)-checksumSize:]
	gotSum := blake2b.Sum256(body)
	if !bytes.Equal(gotSum[:], wantSum) {
		return nil, false, fmt.Errorf("btree: checksum mismatch")
	}

	r := bytes.NewReader(body)
	var version, fileOrder uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, false, fmt.Errorf("btree: truncated version: %w", err)
	}
	if version != snapshotVersion {
		return nil, false, fmt.Errorf("btree: unsupported snapshot version %d", version)
	}
	if err := binary.Read(r, binary.BigEndian, &fileOrder); err != nil {
		return nil, false, fmt.Errorf("btree: truncated order: %w", err)
	}

	var count uint64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, false, fmt.Errorf("btree: truncated count: %w", err)
	}

	useOrder := order
	if useOrder < 3 {
		useOrder = int(fileOrder)
	}
	t := New(useOrder)

	for i := uint64(0); i < count; i++ {
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, false, fmt.Errorf("btree: truncated entry %d timestamp: %w", i, err)
		}
		var idLen uint16
		if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
			return nil, false, fmt.Errorf("btree: truncated entry %d id length: %w", i, err)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, false, fmt.Errorf("btree: truncated entry %d id: %w", i, err)
		}
		t.Insert(ts, string(idBytes))
	}

	return t, true, nil
}
