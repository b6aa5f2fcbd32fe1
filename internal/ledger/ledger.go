// Package ledger tracks which blocks of which pieces have been requested,
// received and verified across every peer session (spec.md §3 "PieceState"
// / "Ledger", §4.4, C4).
package ledger

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/torvalds-fan/leechgo/internal/metainfo"
)

type status int

const (
	statusMissing status = iota
	statusInFlight
	statusComplete
	statusVerified
)

type pieceState struct {
	length    int64
	blocks    int
	requested map[int]bool // begin offset -> requested
	received  map[int]bool // begin offset -> received
	buffer    []byte
	status    status
}

func newPieceState(length int64, blocks int) *pieceState {
	return &pieceState{
		length:    length,
		blocks:    blocks,
		requested: make(map[int]bool),
		received:  make(map[int]bool),
		status:    statusMissing,
	}
}

func (p *pieceState) reset() {
	p.requested = make(map[int]bool)
	p.received = make(map[int]bool)
	p.buffer = nil
	p.status = statusMissing
}

// Block identifies one BLOCKSIZE-ish request (spec.md §3 "BlockId").
type Block struct {
	PieceIndex int
	Begin      int
	Length     int
}

// Ledger is the engine's single owner of per-piece download state. All
// mutating methods are safe for concurrent use from many peer session
// goroutines (spec.md §5: "the Ledger's mutating methods are protected by
// a single mutex").
type Ledger struct {
	mu     sync.Mutex
	info   *metainfo.Info
	pieces []*pieceState

	fullyRequested int
	endgame        bool
}

// New builds a Ledger for the given torrent metadata.
func New(info *metainfo.Info) *Ledger {
	l := &Ledger{
		info:   info,
		pieces: make([]*pieceState, info.NumPieces()),
	}
	for i := range l.pieces {
		l.pieces[i] = newPieceState(info.PieceLen(i), info.BlocksPerPiece(i))
	}
	return l
}

// NextBlock chooses a block the peer (identified by its bitfield `has`)
// holds and that is not already requested for its piece, preferring
// in-flight pieces over missing ones so pieces finish before new ones
// start, tie-broken by the lowest piece index (spec.md §4.4). The choice
// and the mark-as-requested happen under one lock acquisition so no other
// goroutine can observe or duplicate the pick in between (spec.md §5).
func (l *Ledger) NextBlock(has func(pieceIndex int) bool) (Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.pickFrom(statusInFlight, has); ok {
		return b, true
	}
	if b, ok := l.pickFrom(statusMissing, has); ok {
		return b, true
	}
	if l.endgame {
		// In endgame, ignore the requested-dedup rule entirely: any block
		// not yet received may be re-requested on another peer
		// (spec.md §4.4 "endgame").
		for idx, ps := range l.pieces {
			if ps.status == statusVerified || !has(idx) {
				continue
			}
			for block := 0; block < ps.blocks; block++ {
				begin := block * metainfo.BlockSize
				if ps.received[begin] {
					continue
				}
				length := l.info.BlockLength(idx, block)
				return Block{PieceIndex: idx, Begin: begin, Length: length}, true
			}
		}
	}
	return Block{}, false
}

// pickFrom scans pieces in the given status (statusInFlight or
// statusMissing) for an unrequested block the peer has, marking it
// requested before returning.
func (l *Ledger) pickFrom(want status, has func(int) bool) (Block, bool) {
	for idx, ps := range l.pieces {
		if ps.status != want || !has(idx) {
			continue
		}
		for block := 0; block < ps.blocks; block++ {
			begin := block * metainfo.BlockSize
			if ps.requested[begin] {
				continue
			}
			length := l.info.BlockLength(idx, block)
			ps.requested[begin] = true
			if ps.status == statusMissing {
				ps.status = statusInFlight
			}
			if len(ps.requested) == ps.blocks {
				l.fullyRequested++
				if l.fullyRequested == len(l.pieces) {
					l.endgame = true
				}
			}
			return Block{PieceIndex: idx, Begin: begin, Length: length}, true
		}
	}
	return Block{}, false
}

// RecordReceived copies bytes into the piece buffer at begin and marks it
// received. If this completes the piece (by block count, not by last
// offset -- spec.md §9's resolved open question), the assembled buffer is
// returned for verification; the piece's status stays Complete, not
// Verified, until OnVerification reports the hash result. Duplicate
// receives of an already-received offset are idempotent no-ops (spec.md
// §8 "Idempotence"). A begin/length outside the piece's bounds is a
// protocol violation, not a panic: it is rejected with an error and the
// piece is left untouched, the same way the teacher's ParsePieceMessage
// rejected an out-of-range begin.
func (l *Ledger) RecordReceived(pieceIndex, begin int, data []byte) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(l.pieces) {
		return nil, false, fmt.Errorf("ledger: piece index %d out of range", pieceIndex)
	}
	ps := l.pieces[pieceIndex]
	if begin < 0 || int64(begin) >= ps.length || int64(begin)+int64(len(data)) > ps.length {
		return nil, false, fmt.Errorf("ledger: block begin=%d length=%d out of bounds for piece %d (length %d)",
			begin, len(data), pieceIndex, ps.length)
	}
	if ps.status == statusVerified || ps.status == statusComplete {
		return nil, false, nil
	}
	if ps.received[begin] {
		return nil, false, nil
	}
	if ps.buffer == nil {
		ps.buffer = make([]byte, ps.length)
	}
	copy(ps.buffer[begin:], data)
	ps.received[begin] = true

	if len(ps.received) == ps.blocks {
		ps.status = statusComplete
		return ps.buffer, true, nil
	}
	return nil, false, nil
}

// OnVerification records the outcome of hashing a Complete piece's
// buffer. On success the piece becomes Verified (terminal) and its
// buffer is released; on failure it resets to Missing so its blocks can
// be re-requested (spec.md §4.4, §4.8).
func (l *Ledger) OnVerification(pieceIndex int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= len(l.pieces) {
		return
	}
	ps := l.pieces[pieceIndex]
	if ok {
		ps.status = statusVerified
		ps.buffer = nil
		return
	}
	wasFullyRequested := len(ps.requested) == ps.blocks
	ps.reset()
	if wasFullyRequested && l.fullyRequested > 0 {
		l.fullyRequested--
		l.endgame = false
	}
}

// VerifyHash is a helper the engine/peer session call once a piece
// completes: true iff the SHA-1 of data matches the expected piece hash.
func (l *Ledger) VerifyHash(pieceIndex int, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == l.info.PieceHashes[pieceIndex]
}

// ReturnRequested un-marks the given begin offsets of pieceIndex that a
// peer had in flight, so other sessions may claim them; the engine calls
// it once per piece of a closed session (spec.md §4.8: "its in-flight
// blocks are returned to the ledger as un-requested").
func (l *Ledger) ReturnRequested(pieceIndex int, begins []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= len(l.pieces) {
		return
	}
	ps := l.pieces[pieceIndex]
	if ps.status == statusVerified {
		return
	}
	wasFull := len(ps.requested) == ps.blocks
	for _, b := range begins {
		delete(ps.requested, b)
	}
	if wasFull && len(ps.requested) < ps.blocks {
		if l.fullyRequested > 0 {
			l.fullyRequested--
		}
		l.endgame = false
	}
	if len(ps.requested) == 0 && ps.status == statusInFlight {
		ps.status = statusMissing
	}
}

// IsDone reports whether every piece has been Verified (spec.md §4.4).
func (l *Ledger) IsDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ps := range l.pieces {
		if ps.status != statusVerified {
			return false
		}
	}
	return true
}

// Progress returns (verifiedPieces, totalPieces) for reporting.
func (l *Ledger) Progress() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	done := 0
	for _, ps := range l.pieces {
		if ps.status == statusVerified {
			done++
		}
	}
	return done, len(l.pieces)
}

// RequestedBeginsFor returns the set of begin-offsets currently marked
// requested for pieceIndex, for a session to report back via
// ReturnRequested on disconnect.
func (l *Ledger) RequestedBeginsFor(pieceIndex int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pieceIndex < 0 || pieceIndex >= len(l.pieces) {
		return nil
	}
	ps := l.pieces[pieceIndex]
	out := make([]int, 0, len(ps.requested))
	for b := range ps.requested {
		out = append(out, b)
	}
	return out
}
