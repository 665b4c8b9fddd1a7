// Package audit provides a tamper-evident trail for sandbox violations.
//
// A Trail chains BLAKE3 keyed digests over deterministically encoded
// violation events: each entry's digest covers the previous entry's
// digest, so editing, removing, reordering, or splicing entries breaks
// verification from that point on. Plug a Trail into a sandbox via its
// Callback method.
package audit

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/zhangyunhao116/capbox"
)

// ErrTrailCorrupt indicates the trail failed verification.
var ErrTrailCorrupt = errors.New("audit: trail failed verification")

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// entryDomainKey is the 32-byte key for BLAKE3 keyed hashing of trail
// entries. Domain separation keeps trail digests from colliding with any
// other BLAKE3 use of the same bytes. The value is the ASCII domain name,
// zero-padded to 32 bytes, so it stays readable in hex dumps.
var entryDomainKey = [32]byte{
	'c', 'a', 'p', 'b', 'o', 'x', '.', 'a', 'u', 'd', 'i', 't', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// genesisDomainKey keys the fixed digest that anchors every trail.
var genesisDomainKey = [32]byte{
	'c', 'a', 'p', 'b', 'o', 'x', '.', 'a', 'u', 'd', 'i', 't', '.',
	'g', 'e', 'n', 'e', 's', 'i', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// encMode encodes entry payloads with Core Deterministic Encoding so the
// same event always hashes to the same digest.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

// Entry is one link of the trail.
type Entry struct {
	// Seq is the zero-based position of the entry.
	Seq uint64

	// Prev is the digest of the previous entry (the genesis digest for
	// Seq 0).
	Prev Digest

	// Digest covers Prev and the encoded event.
	Digest Digest

	// Event is the recorded violation.
	Event capbox.Violation
}

// wireEvent is the deterministic encoding shape for a violation. Time is
// flattened to Unix nanoseconds so encoding does not depend on time.Time
// internals.
type wireEvent struct {
	Seq          uint64         `cbor:"1,keyasint"`
	ID           string         `cbor:"2,keyasint"`
	Type         string         `cbor:"3,keyasint"`
	Severity     int            `cbor:"4,keyasint"`
	Message      string         `cbor:"5,keyasint"`
	Code         string         `cbor:"6,keyasint"`
	TimeUnixNano int64          `cbor:"7,keyasint"`
	Metadata     map[string]any `cbor:"8,keyasint,omitempty"`
}

// Trail is an append-only, hash-chained list of violation events. It is
// safe for concurrent use, though the sandbox invokes its callback from a
// single goroutine in strict emission order.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	prev    Digest
}

// NewTrail returns an empty trail anchored at the genesis digest.
func NewTrail() *Trail {
	return &Trail{prev: genesisDigest()}
}

// Append records a violation as the next entry of the chain.
func (t *Trail) Append(v capbox.Violation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := uint64(len(t.entries))
	digest := entryDigest(seq, t.prev, v)
	t.entries = append(t.entries, Entry{Seq: seq, Prev: t.prev, Digest: digest, Event: v})
	t.prev = digest
}

// Callback adapts the trail to the sandbox's audit callback slot.
func (t *Trail) Callback() capbox.AuditCallback {
	return t.Append
}

// Len returns the number of recorded entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Entries returns a copy of the trail.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Head returns the digest of the most recent entry (the genesis digest for
// an empty trail).
func (t *Trail) Head() Digest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prev
}

// Verify recomputes the chain from genesis and reports the first entry
// whose linkage or digest does not match. A nil error means the trail is
// intact.
func (t *Trail) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := genesisDigest()
	for i, e := range t.entries {
		if e.Seq != uint64(i) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrTrailCorrupt, i, e.Seq)
		}
		if !bytes.Equal(e.Prev[:], prev[:]) {
			return fmt.Errorf("%w: entry %d has broken linkage", ErrTrailCorrupt, i)
		}
		want := entryDigest(e.Seq, e.Prev, e.Event)
		if !bytes.Equal(e.Digest[:], want[:]) {
			return fmt.Errorf("%w: entry %d digest mismatch", ErrTrailCorrupt, i)
		}
		prev = e.Digest
	}
	return nil
}

// genesisDigest anchors the chain: the keyed hash of a fixed label.
func genesisDigest() Digest {
	return keyedHash(genesisDomainKey, []byte("capbox audit trail genesis"))
}

// entryDigest hashes the previous digest followed by the deterministic
// encoding of the event.
func entryDigest(seq uint64, prev Digest, v capbox.Violation) Digest {
	payload, err := encMode.Marshal(wireEvent{
		Seq:          seq,
		ID:           v.ID,
		Type:         v.Type,
		Severity:     int(v.Severity),
		Message:      v.Message,
		Code:         string(v.Code),
		TimeUnixNano: v.Time.UnixNano(),
		Metadata:     v.Metadata,
	})
	if err != nil {
		// Metadata is host-controlled; an unencodable value still gets a
		// distinct, stable digest via its error string.
		payload = []byte("audit: unencodable event: " + err.Error())
	}

	buf := make([]byte, 0, len(prev)+len(payload))
	buf = append(buf, prev[:]...)
	buf = append(buf, payload...)
	return keyedHash(entryDomainKey, buf)
}

// keyedHash computes a domain-keyed BLAKE3 digest.
func keyedHash(key [32]byte, data []byte) Digest {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length; the keys are fixed
		// 32-byte constants.
		panic("audit: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)

	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d
}
