package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	var cases = []PacketHeader{
		{Version: ProtocolVersion, Opcode: OpAddEntry, Flags: FlagNone},
		{Version: ProtocolVersion, Opcode: OpReadEntry, Flags: FlagDoFencing},
		{Version: 7, Opcode: OpAuth, Flags: Flags(0xBEEF)},
	}
	for _, h := range cases {
		assert.Equal(t, h, UnpackHeader(h.Pack()))
	}
}

func TestAddEntryFrameRoundTrip(t *testing.T) {
	var masterKey = []byte("0123456789abcdef")
	var payload = []byte("hello, world")
	var body = AddEntryBody(masterKey, payload)

	var header = PacketHeader{Version: ProtocolVersion, Opcode: OpAddEntry, Flags: FlagNone}

	var buf bytes.Buffer
	require.NoError(t, BinaryFraming.Marshal(&buf, header, body))

	var gotHeader, gotBody, err = BinaryFraming.Unpack(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)

	var gotKey, gotPayload, perr = ParseAddEntryBody(gotBody, len(masterKey))
	require.NoError(t, perr)
	assert.Equal(t, masterKey, gotKey)
	assert.Equal(t, payload, gotPayload)
}

func TestReadEntryFrameRoundTripWithFencing(t *testing.T) {
	var masterKey = []byte("fedcba9876543210")
	var body = ReadEntryBody(LedgerId(5), EntryId(7), masterKey)

	var ledger, entry, key, err = ParseReadEntryBody(body)
	require.NoError(t, err)
	assert.Equal(t, LedgerId(5), ledger)
	assert.Equal(t, EntryId(7), entry)
	assert.Equal(t, masterKey, key)
}

func TestReadEntryFrameRoundTripNoFencing(t *testing.T) {
	var body = ReadEntryBody(LedgerId(5), LastAddConfirmed, nil)

	var ledger, entry, key, err = ParseReadEntryBody(body)
	require.NoError(t, err)
	assert.Equal(t, LedgerId(5), ledger)
	assert.Equal(t, LastAddConfirmed, entry)
	assert.Nil(t, key)
}

func TestResponseBodyRoundTrip(t *testing.T) {
	var body = ResponseBody(EOK, LedgerId(5), EntryId(42), []byte("payload"))

	var status, ledger, entry, payload, err = ParseResponseBody(body)
	require.NoError(t, err)
	assert.Equal(t, EOK, status)
	assert.Equal(t, LedgerId(5), ledger)
	assert.Equal(t, EntryId(42), entry)
	assert.Equal(t, []byte("payload"), payload)
}

func TestFrameAtExactlyMaxFrameLengthParses(t *testing.T) {
	var body = make([]byte, 100)
	var header = PacketHeader{Version: ProtocolVersion, Opcode: OpAddEntry}

	var buf bytes.Buffer
	require.NoError(t, BinaryFraming.Marshal(&buf, header, body))

	// Declared frame length (4 header bytes + 100 body bytes) equals the max.
	var _, _, err = BinaryFraming.Unpack(bufio.NewReader(&buf), 104)
	assert.NoError(t, err)
}

func TestFrameOverMaxFrameLengthRejected(t *testing.T) {
	var body = make([]byte, 101)
	var header = PacketHeader{Version: ProtocolVersion, Opcode: OpAddEntry}

	var buf bytes.Buffer
	require.NoError(t, BinaryFraming.Marshal(&buf, header, body))

	var _, _, err = BinaryFraming.Unpack(bufio.NewReader(&buf), 104)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
