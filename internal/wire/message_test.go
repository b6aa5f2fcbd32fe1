package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "abcdefghijabcdefghij")

	h := NewHandshake(infoHash, peerID)
	buf := h.Serialize()
	require.Len(t, buf, HandshakeLen)

	got, err := ReadHandshake(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
}

func TestReadFrameKeepAlive(t *testing.T) {
	m, err := ReadFrame(bytes.NewReader(KeepAlive()), DefaultMaxFrameLen)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestReadFrameOversizeRejected(t *testing.T) {
	buf := Request(0, 0, 16384).Serialize()
	_, err := ReadFrame(bytes.NewReader(buf), 4)
	require.Error(t, err)
}

func TestRequestMessageFields(t *testing.T) {
	m := Request(3, 16384, 16384)
	index, begin, length, err := ParseRequest(m)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestParsePiece(t *testing.T) {
	m := &Message{ID: MsgPiece}
	payload := make([]byte, 8+4)
	m.Payload = payload
	_, _, _, err := ParsePiece(m)
	require.NoError(t, err)
}

func TestShortReadsHandledByReadFull(t *testing.T) {
	// simulate a reader delivering the frame in two chunks
	full := Have(5).Serialize()
	r := io.MultiReader(bytes.NewReader(full[:2]), bytes.NewReader(full[2:]))
	m, err := ReadFrame(r, DefaultMaxFrameLen)
	require.NoError(t, err)
	idx, err := ParseHave(m)
	require.NoError(t, err)
	assert.Equal(t, 5, idx)
}
