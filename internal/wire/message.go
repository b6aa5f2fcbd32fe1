// Package wire implements the BitTorrent peer-wire handshake and message
// framing (BEP-3), generalizing the teacher's message.go and the
// handshake half of peer.go (spec.md §4.6, C6).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol is the pstr sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeLen is the fixed length of a handshake message.
const HandshakeLen = 49 + len(Protocol)

// MessageID identifies the kind of a peer-wire message (spec.md §4.6 table).
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is one length-prefixed peer-wire message. A nil *Message
// (returned by ReadFrame) denotes a zero-length keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m as <4-byte length><1-byte id><payload>.
func (m *Message) Serialize() []byte {
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive returns the 4 zero bytes of a keep-alive frame.
func KeepAlive() []byte { return make([]byte, 4) }

// DefaultMaxFrameLen is the oversize cap from spec.md §4.6 (17 MiB).
const DefaultMaxFrameLen = 17 * 1024 * 1024

// ReadFrame reads one frame from r. It loops on io.ReadFull so short
// reads are tolerated (spec.md §4.6). A length of 0 yields (nil, nil):
// the caller sees a keep-alive. A length exceeding maxLen is fatal.
func ReadFrame(r io.Reader, maxLen uint32) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxLen {
		return nil, fmt.Errorf("wire: frame length %d exceeds cap %d", length, maxLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

func simple(id MessageID) *Message { return &Message{ID: id} }

func Choke() *Message         { return simple(MsgChoke) }
func Unchoke() *Message       { return simple(MsgUnchoke) }
func Interested() *Message    { return simple(MsgInterested) }
func NotInterested() *Message { return simple(MsgNotInterested) }

func Have(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

func Request(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

func Bitfield(bits []byte) *Message {
	return &Message{ID: MsgBitfield, Payload: bits}
}

// ParseHave extracts the piece index from a HAVE message's payload.
func ParseHave(m *Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParsePiece splits a PIECE message's payload into its index, begin and
// block bytes (spec.md §4.6 table).
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece payload length %d, want >= 8", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	block = m.Payload[8:]
	return index, begin, block, nil
}

// ParseRequest splits a REQUEST/CANCEL message's payload.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request payload length %d, want 12", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}
