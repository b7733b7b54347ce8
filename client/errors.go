package client

import (
	"fmt"

	"github.com/sschepens/bookkeeper/protocol"
)

// ErrCode is the closed set of user-visible outcomes delivered through a
// WriteCallback/ReadCallback. It is distinct from Go's error type: ErrCode
// is carried alongside request identity to every callback, while error
// wrapping (github.com/pkg/errors) is reserved for internal diagnostics
// that never cross the callback boundary.
type ErrCode int

const (
	OK ErrCode = iota
	ServerUnavailable
	ClientClosed
	Interrupted
	ProtocolVersionMismatch
	LedgerFenced
	Unauthorized
	ReadOnly
	NoSuchEntry
	EntryTrimmed
	AuthTimeout
	WriteFailure
	ReadFailure
)

func (c ErrCode) String() string {
	switch c {
	case OK:
		return "OK"
	case ServerUnavailable:
		return "ServerUnavailable"
	case ClientClosed:
		return "ClientClosed"
	case Interrupted:
		return "Interrupted"
	case ProtocolVersionMismatch:
		return "ProtocolVersion"
	case LedgerFenced:
		return "LedgerFenced"
	case Unauthorized:
		return "Unauthorized"
	case ReadOnly:
		return "ReadOnly"
	case NoSuchEntry:
		return "NoSuchEntry"
	case EntryTrimmed:
		return "EntryTrimmed"
	case AuthTimeout:
		return "AuthTimeout"
	case WriteFailure:
		return "WriteFailure"
	case ReadFailure:
		return "ReadFailure"
	default:
		return fmt.Sprintf("ErrCode(%d)", int(c))
	}
}

// Error adapts an ErrCode to the error interface, so internal plumbing that
// threads errors.Wrap/errors.WithMessage (github.com/pkg/errors) can carry
// an ErrCode as its root cause when useful for logging.
type Error struct{ Code ErrCode }

func (e Error) Error() string { return e.Code.String() }

// mapAddStatus maps a wire Status from an ADD_ENTRY response to the
// user-visible ErrCode, per spec §7.
func mapAddStatus(s protocol.Status) ErrCode {
	switch s {
	case protocol.EOK:
		return OK
	case protocol.EBADVERSION:
		return ProtocolVersionMismatch
	case protocol.EFENCED:
		return LedgerFenced
	case protocol.EUA:
		return Unauthorized
	case protocol.EREADONLY:
		return ReadOnly
	default:
		return WriteFailure
	}
}

// mapReadStatus maps a wire Status from a READ_ENTRY response to the
// user-visible ErrCode, per spec §7.
func mapReadStatus(s protocol.Status) ErrCode {
	switch s {
	case protocol.EOK:
		return OK
	case protocol.EBADVERSION:
		return ProtocolVersionMismatch
	case protocol.EUA:
		return Unauthorized
	case protocol.ENOENTRY, protocol.ENOLEDGER:
		return NoSuchEntry
	case protocol.ETRIMMED:
		return EntryTrimmed
	default:
		return ReadFailure
	}
}
