package peerconn

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torvalds-fan/leechgo/internal/assembler"
	"github.com/torvalds-fan/leechgo/internal/ledger"
	"github.com/torvalds-fan/leechgo/internal/metainfo"
	"github.com/torvalds-fan/leechgo/internal/wire"
)

// singlePieceInfo builds a one-piece, one-block torrent around data, for
// exercising the session state machine without real piece-size constants.
func singlePieceInfo(data []byte) *metainfo.Info {
	hash := sha1.Sum(data)
	return &metainfo.Info{
		Name:        "fixture.bin",
		PieceLength: int64(len(data)),
		Total:       int64(len(data)),
		PieceHashes: [][20]byte{hash},
		Files:       []assembler.FileEntry{{Path: "fixture.bin", Length: int64(len(data))}},
	}
}

func listen(t *testing.T) (net.Listener, Address) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpAddr := l.Addr().(*net.TCPAddr)
	return l, Address{Host: "127.0.0.1", Port: uint16(tcpAddr.Port)}
}

func TestSessionHandshakeMismatch(t *testing.T) {
	l, addr := listen(t)
	defer l.Close()

	var remoteInfoHash [20]byte
	copy(remoteInfoHash[:], "zzzzzzzzzzzzzzzzzzzz")

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		wire.ReadHandshake(conn)
		var peerID [20]byte
		conn.Write(wire.NewHandshake(remoteInfoHash, peerID).Serialize())
	}()

	info := singlePieceInfo([]byte("abcdefgh"))
	lg := ledger.New(info)
	verified := make(chan VerifiedPiece, 1)
	var localPeerID [20]byte

	_, err := Dial(context.Background(), addr, info, lg, localPeerID, verified)
	require.Error(t, err)
}

func TestSessionHappyPathDownloadsAndVerifiesPiece(t *testing.T) {
	l, addr := listen(t)
	defer l.Close()

	data := []byte("abcdefgh")
	info := singlePieceInfo(data)
	lg := ledger.New(info)
	verified := make(chan VerifiedPiece, 1)
	var localPeerID [20]byte

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- conn

		remoteHS, err := wire.ReadHandshake(conn)
		if err != nil {
			return
		}
		conn.Write(wire.NewHandshake(remoteHS.InfoHash, [20]byte{}).Serialize())

		// one piece, bit 0 set (MSB of the single bitfield byte)
		conn.Write(wire.Bitfield([]byte{0x80}).Serialize())
		conn.Write(wire.Unchoke().Serialize())

		// skip the INTERESTED (and any keep-alive) sent before the first REQUEST
		var msg *wire.Message
		for {
			msg, err = wire.ReadFrame(conn, wire.DefaultMaxFrameLen)
			if err != nil {
				return
			}
			if msg != nil && msg.ID == wire.MsgRequest {
				break
			}
		}
		index, begin, length, err := wire.ParseRequest(msg)
		if err != nil || index != 0 || begin != 0 || length != len(data) {
			return
		}

		payload := make([]byte, 8+len(data))
		copy(payload[8:], data)
		pieceMsg := &wire.Message{ID: wire.MsgPiece, Payload: payload}
		conn.Write(pieceMsg.Serialize())
	}()

	sess, err := Dial(context.Background(), addr, info, lg, localPeerID, verified)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	select {
	case vp := <-verified:
		require.Equal(t, 0, vp.Index)
		require.Equal(t, data, vp.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for verified piece")
	}
	require.True(t, lg.IsDone())

	conn := <-accepted
	conn.Close()
}

func TestSessionBadHashLeavesPieceUnverified(t *testing.T) {
	l, addr := listen(t)
	defer l.Close()

	data := []byte("abcdefgh")
	info := singlePieceInfo(data)
	lg := ledger.New(info)
	verified := make(chan VerifiedPiece, 1)
	var localPeerID [20]byte

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		remoteHS, err := wire.ReadHandshake(conn)
		if err != nil {
			return
		}
		conn.Write(wire.NewHandshake(remoteHS.InfoHash, [20]byte{}).Serialize())
		conn.Write(wire.Bitfield([]byte{0x80}).Serialize())
		conn.Write(wire.Unchoke().Serialize())

		// skip the INTERESTED (and any keep-alive) sent before the first REQUEST
		for {
			msg, err := wire.ReadFrame(conn, wire.DefaultMaxFrameLen)
			if err != nil {
				return
			}
			if msg != nil && msg.ID == wire.MsgRequest {
				break
			}
		}
		corrupted := []byte("XXXXXXXX")
		payload := make([]byte, 8+len(corrupted))
		copy(payload[8:], corrupted)
		conn.Write((&wire.Message{ID: wire.MsgPiece, Payload: payload}).Serialize())
	}()

	sess, err := Dial(context.Background(), addr, info, lg, localPeerID, verified)
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	select {
	case <-verified:
		t.Fatal("a corrupted piece must never reach the verified channel")
	case <-time.After(300 * time.Millisecond):
	}
	require.False(t, lg.IsDone())
	done, total := lg.Progress()
	require.Equal(t, 0, done)
	require.Equal(t, 1, total)
}

func TestSessionNotifyVerifiedClearsInFlightBookkeeping(t *testing.T) {
	data := []byte("abcdefgh")
	info := singlePieceInfo(data)
	lg := ledger.New(info)
	verified := make(chan VerifiedPiece, 1)

	s := &Session{
		info:      info,
		ledger:    lg,
		remoteHas: newBitfield(info.NumPieces()),
		inFlight:  make(map[int]map[int]bool),
		verified:  verified,
	}
	s.remoteHas.set(0)
	s.inFlight[0] = map[int]bool{0: true}
	s.inFlightCount = 1

	// another session verified piece 0 in the meantime
	lg.OnVerification(0, true)
	s.NotifyVerified(0)

	_, stillTracked := s.inFlight[0]
	require.False(t, stillTracked)
	require.Equal(t, 0, s.inFlightCount)

	// the ledger itself refuses to hand back a block of a Verified piece,
	// regardless of this session's own bookkeeping.
	block, ok := s.ledger.NextBlock(func(idx int) bool { return s.remoteHas.has(idx) })
	require.False(t, ok)
	require.Zero(t, block)
}
