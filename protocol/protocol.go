// Package protocol defines the wire types shared by the bookkeeper client
// core: ledger/entry identifiers, the packet header, opcodes and flags, the
// server-reported status codes, and the length-prefixed frame codec used to
// encode and decode requests and responses.
//
// The wire layout is intentionally bespoke (not protobuf/gogo/json): it is
// a fixed u32-length-prefixed frame wrapping a packed u32 header, matching
// the BookKeeper client/server protocol this package models.
package protocol

import "fmt"

// LedgerId identifies an append-only sequence of Entries.
type LedgerId uint64

// EntryId identifies a single immutable record within a Ledger.
type EntryId uint64

// LastAddConfirmed is the sentinel EntryId used when a read is issued
// without knowing a concrete entry id; the server answers with whichever
// entry is the last one it has committed.
const LastAddConfirmed EntryId = ^EntryId(0)

// ServerAddress identifies a storage node by host and port. It is used as
// the equality/hash key for PerServerPool lookup.
type ServerAddress struct {
	Host string
	Port int
}

func (a ServerAddress) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// RequestKey correlates a request to its eventual response. Equality and
// hashing use both fields, which makes RequestKey directly usable as a Go
// map key.
type RequestKey struct {
	Ledger LedgerId
	Entry  EntryId
}

func (k RequestKey) String() string { return fmt.Sprintf("(%d,%d)", k.Ledger, k.Entry) }

// Opcode identifies the operation a frame carries.
type Opcode uint8

const (
	OpAddEntry Opcode = iota + 1
	OpReadEntry
	OpAuth
	OpTrim
)

func (op Opcode) String() string {
	switch op {
	case OpAddEntry:
		return "ADD_ENTRY"
	case OpReadEntry:
		return "READ_ENTRY"
	case OpAuth:
		return "AUTH"
	case OpTrim:
		return "TRIM"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(op))
	}
}

// Flags are a 16-bit bitset carried in the packet header.
type Flags uint16

const (
	FlagNone       Flags = 0
	FlagDoFencing  Flags = 1 << 0
)

// ProtocolVersion is the current, and only, wire protocol version emitted
// by this client.
const ProtocolVersion uint8 = 1

// PacketHeader packs {protocol version, opcode, flags} into the 32-bit
// value that follows the frame length on the wire.
//
// Layout, most-significant to least-significant bit groups:
//
//	[ version:8 | opcode:8 | flags:16 ]
type PacketHeader struct {
	Version uint8
	Opcode  Opcode
	Flags   Flags
}

// Pack encodes the header into its wire representation.
func (h PacketHeader) Pack() uint32 {
	return uint32(h.Version)<<24 | uint32(h.Opcode)<<16 | uint32(h.Flags)
}

// UnpackHeader decodes a wire header value.
func UnpackHeader(v uint32) PacketHeader {
	return PacketHeader{
		Version: uint8(v >> 24),
		Opcode:  Opcode(uint8(v >> 16)),
		Flags:   Flags(uint16(v)),
	}
}

// Status is a server-reported wire status code.
type Status uint32

const (
	EOK Status = iota
	EBADVERSION
	EFENCED
	EUA
	EREADONLY
	ENOENTRY
	ENOLEDGER
	ETRIMMED
)

func (s Status) String() string {
	switch s {
	case EOK:
		return "EOK"
	case EBADVERSION:
		return "EBADVERSION"
	case EFENCED:
		return "EFENCED"
	case EUA:
		return "EUA"
	case EREADONLY:
		return "EREADONLY"
	case ENOENTRY:
		return "ENOENTRY"
	case ENOLEDGER:
		return "ENOLEDGER"
	case ETRIMMED:
		return "ETRIMMED"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// MaxFrameLength is the default maximum length (in bytes) of an inbound
// frame's body, guarding against a corrupt or malicious length prefix.
// ~110 MiB, matching the BookKeeper default.
const MaxFrameLength = 110 * 1024 * 1024
