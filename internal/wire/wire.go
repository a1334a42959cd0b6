// Package wire implements the core message envelope described in spec.md
// §6: {type, header{sender, epoch, crc}, payload}, with an explicit
// compat/current version tag per message so decoders accept any version in
// [compat, current] and skip unknown trailing fields (Design Notes §9).
//
// Serialization uses encoding/json rather than a generated protobuf, for
// two reasons recorded in DESIGN.md: no protoc invocation is available in
// this environment, and the teacher's own v0.4 EtcdServer already reaches
// for encoding/json on wire-adjacent structs (Member, Attributes) rather
// than hand-rolled binary encoding.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/coreos/go-semver/semver"
)

// Type identifies one of the core message kinds of spec.md §6.
type Type string

const (
	TypeProbe           Type = "Probe"
	TypeProbeReply      Type = "ProbeReply"
	TypePropose         Type = "Propose"
	TypeVictory         Type = "Victory"
	TypePaxosBegin      Type = "PaxosBegin"
	TypePaxosAccept     Type = "PaxosAccept"
	TypePaxosCommit     Type = "PaxosCommit"
	TypePaxosLease      Type = "PaxosLease"
	TypePaxosLeaseAck   Type = "PaxosLeaseAck"
	TypeSyncStart       Type = "SyncStart"
	TypeSyncStartReply  Type = "SyncStartReply"
	TypeSyncChunk       Type = "SyncChunk"
	TypeSyncChunkReply  Type = "SyncChunkReply"
	TypeSyncHeartbeat   Type = "SyncHeartbeat"
	TypeSyncFinish      Type = "SyncFinish"
	TypeForward         Type = "Forward"
	TypeRoute           Type = "Route"
	TypeSubscribe       Type = "Subscribe"
	TypeGetVersion      Type = "GetVersion"
	TypeCommand         Type = "Command"
	TypeCommandReply    Type = "CommandReply"

	// TypeRecoveryRequest/TypeRecoveryReply are not named in spec.md §6's
	// core message list but are required by §4.5's recovery phase ("the
	// new leader collects from each peon {last_committed, accepted_pn,
	// uncommitted_v, uncommitted_value}"); added here as compat-tagged
	// extensions the way Design Notes §9 describes for evolving the wire
	// contract.
	TypeRecoveryRequest Type = "RecoveryRequest"
	TypeRecoveryReply   Type = "RecoveryReply"
)

// CurrentVersion is the current wire/persistence format version for every
// message type in this package. CompatVersion is the oldest version a
// decoder here still accepts. Bump CurrentVersion when a field is added;
// bump CompatVersion only when an old field is dropped outright.
var (
	CurrentVersion = semver.New("1.1.0")
	CompatVersion  = semver.New("1.0.0")
)

// Header carries sender identity, the sender's election epoch, a payload
// CRC, and the format version, per spec.md §6.
type Header struct {
	Sender  string `json:"sender"`
	Epoch   uint64 `json:"epoch"`
	Crc     uint32 `json:"crc"`
	Version string `json:"version"`
}

// Message is the envelope placed on the wire: {type, header, payload}.
type Message struct {
	Type    Type            `json:"type"`
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Encode builds a Message around payload, computing Header.Crc over the
// marshaled payload bytes, and writes it to w length-prefixed (a 4-byte
// big-endian length followed by the JSON body) — the minimal framing
// contract spec.md §6 asks for, since transport/framing details beyond
// that contract are explicitly out of scope (spec.md §1).
func Encode(w io.Writer, typ Type, sender string, epoch uint64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	msg := Message{
		Type: typ,
		Header: Header{
			Sender:  sender,
			Epoch:   epoch,
			Crc:     crc32.ChecksumIEEE(body),
			Version: CurrentVersion.String(),
		},
		Payload: body,
	}
	framed, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(framed)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(framed); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed Message from r, verifies the CRC and
// the compat-version window, and returns it. Unknown future types are
// passed through to the caller (compat-tagged types are never rejected
// here; only version mismatches beyond the [compat, current] window are).
func Decode(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageBytes {
		return Message{}, fmt.Errorf("wire: message of %d bytes exceeds %d byte limit", n, maxMessageBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("wire: read body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if got := crc32.ChecksumIEEE(msg.Payload); got != msg.Header.Crc {
		return Message{}, fmt.Errorf("wire: crc mismatch: got %x want %x", got, msg.Header.Crc)
	}
	if err := checkVersion(msg.Header.Version); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// maxMessageBytes bounds a single framed message, backing spec.md §7's
// RequestTooLarge kind.
const maxMessageBytes = 64 << 20

func checkVersion(raw string) error {
	if raw == "" {
		return nil // pre-versioning sender; treat as compat floor.
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("wire: invalid version %q: %w", raw, err)
	}
	if v.LessThan(*CompatVersion) {
		return fmt.Errorf("wire: version %s older than compat floor %s", v, CompatVersion)
	}
	if CurrentVersion.LessThan(*v) {
		return fmt.Errorf("wire: version %s newer than current %s", v, CurrentVersion)
	}
	return nil
}

// Unmarshal decodes msg.Payload into v.
func Unmarshal(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal payload for %s: %w", msg.Type, err)
	}
	return nil
}
