// Package peerconn implements the per-peer connection state machine:
// handshake, length-prefixed framing, message handling and request
// pacing (spec.md §4.6, C6).
package peerconn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torvalds-fan/leechgo/internal/ledger"
	"github.com/torvalds-fan/leechgo/internal/metainfo"
	"github.com/torvalds-fan/leechgo/internal/torrerr"
	"github.com/torvalds-fan/leechgo/internal/wire"
)

// Address is a dialable peer endpoint (spec.md §3 "PeerAddress").
type Address struct {
	Host string
	Port uint16
}

func (a Address) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port))) }

const (
	maxInFlight       = 10 // spec.md §4.6 "request pipeline"
	handshakeTimeout  = 30 * time.Second
	keepAliveInterval = 90 * time.Second
	idleTimeout       = 120 * time.Second
	pollInterval      = 10 * time.Second
)

// VerifiedPiece is sent upstream to the engine when this session completes
// and verifies a piece, so the engine can persist it and notify every
// other session (spec.md §4.7 data flow).
type VerifiedPiece struct {
	Index int
	Data  []byte
}

// Session is one peer-wire connection and its protocol state
// (spec.md §3 "PeerSession").
type Session struct {
	addr     Address
	conn     net.Conn
	info     *metainfo.Info
	ledger   *ledger.Ledger
	peerID   [20]byte
	infoHash [20]byte
	log      *logrus.Entry

	verified chan<- VerifiedPiece

	mu              sync.Mutex
	chokedByRemote  bool
	interestedLocal bool
	remoteHas       bitfield
	inFlight        map[int]map[int]bool // pieceIndex -> set of requested begins still outstanding on this conn
	inFlightCount   int
	lastRx          time.Time
	lastTx          time.Time
	closed          bool
}

// Dial opens a TCP connection to addr, performs the handshake and sends
// INTERESTED (spec.md §4.6 "Handshake"). The remote's BITFIELD, if any,
// is read later by Run.
func Dial(ctx context.Context, addr Address, info *metainfo.Info, l *ledger.Ledger, peerID [20]byte, verified chan<- VerifiedPiece) (*Session, error) {
	dialer := net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, torrerr.PeerIO(addr.String(), err, "dial peer")
	}

	s := &Session{
		addr:           addr,
		conn:           conn,
		info:           info,
		ledger:         l,
		peerID:         peerID,
		infoHash:       info.Hash,
		log:            logrus.WithField("peer", addr.String()),
		verified:       verified,
		chokedByRemote: true,
		remoteHas:      newBitfield(info.NumPieces()),
		inFlight:       make(map[int]map[int]bool),
	}

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake() error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	hs := wire.NewHandshake(s.infoHash, s.peerID)
	if _, err := s.conn.Write(hs.Serialize()); err != nil {
		return torrerr.PeerIO(s.addr.String(), err, "send handshake")
	}

	remote, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return torrerr.PeerProtocol(s.addr.String(), err, "read handshake")
	}
	if remote.InfoHash != s.infoHash {
		return torrerr.PeerProtocol(s.addr.String(), fmt.Errorf("info_hash mismatch: got %x want %x", remote.InfoHash, s.infoHash), "verify handshake")
	}

	s.markTx()
	if _, err := s.conn.Write(wire.Interested().Serialize()); err != nil {
		return torrerr.PeerIO(s.addr.String(), err, "send interested")
	}
	s.interestedLocal = true
	s.markTx()
	return nil
}

func (s *Session) markTx() { s.lastTx = time.Now() }
func (s *Session) markRx() { s.lastRx = time.Now() }

// Run drives the session's read loop until a fatal error, EOF, or ctx
// cancellation, then closes the connection. The blocks it still had in
// flight stay available through OutstandingBlocks so the engine can
// return them to the ledger (spec.md §4.8).
func (s *Session) Run(ctx context.Context) error {
	s.lastRx = time.Now()
	s.lastTx = time.Now()
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		msg, err := wire.ReadFrame(s.conn, wire.DefaultMaxFrameLen)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(s.lastRx) >= idleTimeout {
					return torrerr.PeerIO(s.addr.String(), fmt.Errorf("no data for %s", idleTimeout), "idle timeout")
				}
				if time.Since(s.lastTx) >= keepAliveInterval {
					if werr := s.send(wire.KeepAlive()); werr != nil {
						return torrerr.PeerIO(s.addr.String(), werr, "send keep-alive")
					}
				}
				continue
			}
			return torrerr.PeerIO(s.addr.String(), err, "read frame")
		}

		s.markRx()
		if msg == nil {
			continue // keep-alive
		}
		if err := s.handle(msg); err != nil {
			return err
		}
		if err := s.pump(); err != nil {
			return err
		}
	}
}

func (s *Session) send(b []byte) error {
	if _, err := s.conn.Write(b); err != nil {
		return err
	}
	s.markTx()
	return nil
}

func (s *Session) handle(msg *wire.Message) error {
	switch msg.ID {
	case wire.MsgChoke:
		s.mu.Lock()
		s.chokedByRemote = true
		// Drop local in-flight bookkeeping; the ledger still considers
		// these blocks requested until endgame reclaims them elsewhere
		// (spec.md §4.6 CHOKE reaction).
		s.inFlight = make(map[int]map[int]bool)
		s.inFlightCount = 0
		s.mu.Unlock()

	case wire.MsgUnchoke:
		s.mu.Lock()
		s.chokedByRemote = false
		s.mu.Unlock()

	case wire.MsgInterested, wire.MsgNotInterested:
		// not recorded: the session keeps no remote-interest state and a
		// leecher never acts on remote interest.

	case wire.MsgHave:
		idx, err := wire.ParseHave(msg)
		if err != nil {
			return torrerr.PeerProtocol(s.addr.String(), err, "parse have")
		}
		s.mu.Lock()
		s.remoteHas.set(idx)
		s.mu.Unlock()

	case wire.MsgBitfield:
		s.mu.Lock()
		for i := 0; i < s.info.NumPieces(); i++ {
			byteIdx := i / 8
			if byteIdx < len(msg.Payload) {
				if msg.Payload[byteIdx]>>(7-uint(i%8))&1 != 0 {
					s.remoteHas.set(i)
				}
			}
		}
		s.mu.Unlock()

	case wire.MsgRequest, wire.MsgCancel:
		// ignored: this is a leecher, it never uploads (spec.md §4.6).

	case wire.MsgPiece:
		return s.onPiece(msg)
	}
	return nil
}

func (s *Session) onPiece(msg *wire.Message) error {
	index, begin, block, err := wire.ParsePiece(msg)
	if err != nil {
		return torrerr.PeerProtocol(s.addr.String(), err, "parse piece")
	}

	s.mu.Lock()
	if set, ok := s.inFlight[index]; ok {
		delete(set, begin)
		if len(set) == 0 {
			delete(s.inFlight, index)
		}
		s.inFlightCount--
	}
	s.mu.Unlock()

	data, complete, err := s.ledger.RecordReceived(index, begin, block)
	if err != nil {
		return torrerr.PeerProtocol(s.addr.String(), err, "record received block")
	}
	if !complete {
		return nil
	}

	ok := s.ledger.VerifyHash(index, data)
	s.ledger.OnVerification(index, ok)
	if !ok {
		s.log.WithField("piece", index).Warn("piece failed hash verification, re-requesting")
		return nil
	}

	s.log.WithField("piece", index).Debug("piece verified")
	select {
	case s.verified <- VerifiedPiece{Index: index, Data: data}:
	default:
		// engine's channel is buffered generously; a full channel here
		// would mean the engine is stuck, which its own context handles.
		s.verified <- VerifiedPiece{Index: index, Data: data}
	}

	if err := s.send(wire.Have(index).Serialize()); err != nil {
		return torrerr.PeerIO(s.addr.String(), err, "send have")
	}
	return nil
}

// pump fills the request pipeline up to maxInFlight while unchoked,
// pulling from the ledger's single atomic "choose and mark" operation
// (spec.md §4.6 "Request pipeline"). The ledger itself already refuses to
// hand back a block belonging to a Verified piece, so no local completion
// tracking is needed here.
func (s *Session) pump() error {
	for {
		s.mu.Lock()
		if s.chokedByRemote || s.inFlightCount >= maxInFlight {
			s.mu.Unlock()
			return nil
		}
		remote := s.remoteHas
		s.mu.Unlock()

		block, ok := s.ledger.NextBlock(func(idx int) bool {
			return remote.has(idx)
		})
		if !ok {
			return nil
		}

		if err := s.send(wire.Request(block.PieceIndex, block.Begin, block.Length).Serialize()); err != nil {
			return torrerr.PeerIO(s.addr.String(), err, "send request")
		}

		s.mu.Lock()
		if s.inFlight[block.PieceIndex] == nil {
			s.inFlight[block.PieceIndex] = make(map[int]bool)
		}
		s.inFlight[block.PieceIndex][block.Begin] = true
		s.inFlightCount++
		s.mu.Unlock()
	}
}

// NotifyVerified tells this session that pieceIndex has been verified (by
// any session), so it can retire any local in-flight bookkeeping for it;
// the ledger itself already refuses to hand the piece's blocks back out
// to NextBlock once verified (spec.md §4.7).
func (s *Session) NotifyVerified(pieceIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.inFlight[pieceIndex]; ok {
		s.inFlightCount -= len(set)
		delete(s.inFlight, pieceIndex)
	}
}

// OutstandingBlocks returns every (piece, begin) this session still had
// requested when it closed, so the engine can return them to the ledger.
func (s *Session) OutstandingBlocks() map[int][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int][]int, len(s.inFlight))
	for idx, set := range s.inFlight {
		begins := make([]int, 0, len(set))
		for b := range set {
			begins = append(begins, b)
		}
		out[idx] = begins
	}
	return out
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Address returns the peer's dial address.
func (s *Session) Address() Address { return s.addr }
