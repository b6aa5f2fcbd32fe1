package wire

import (
	"bytes"
	"io"
)

// Handshake is the 68-byte BEP-3 handshake message (spec.md §4.6).
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte // currently ignored on receipt, per spec.md §4.6
}

// NewHandshake builds a handshake with a zeroed reserved field (no
// extension bits set, spec.md §6).
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes the handshake as pstrlen | pstr | reserved | info_hash | peer_id.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	cursor := 0
	buf[cursor] = byte(len(Protocol))
	cursor++
	cursor += copy(buf[cursor:], Protocol)
	cursor += copy(buf[cursor:], h.Reserved[:])
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads exactly HandshakeLen bytes from r and parses them.
// It does not itself compare InfoHash against the expected value -- the
// caller (peerconn) does that and treats a mismatch as fatal
// (spec.md §4.6 "Handshake").
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	pstrlen := int(buf[0])
	if pstrlen != len(Protocol) || !bytes.Equal(buf[1:1+pstrlen], []byte(Protocol)) {
		// Reject a garbled pstr: spec only requires us to reject on
		// info_hash mismatch, but a garbled pstr can't be trusted either.
		return nil, io.ErrUnexpectedEOF
	}
	h := &Handshake{}
	cursor := 1 + pstrlen
	copy(h.Reserved[:], buf[cursor:cursor+8])
	cursor += 8
	copy(h.InfoHash[:], buf[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], buf[cursor:cursor+20])
	return h, nil
}
