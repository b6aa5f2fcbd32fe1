// Package engine owns a single torrent's whole download lifecycle:
// metainfo, ledger, assembler, tracker announces and the bounded pool of
// peer sessions (spec.md §3 "Engine", §4.7, C7).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/torvalds-fan/leechgo/internal/assembler"
	"github.com/torvalds-fan/leechgo/internal/clientid"
	"github.com/torvalds-fan/leechgo/internal/ledger"
	"github.com/torvalds-fan/leechgo/internal/metainfo"
	"github.com/torvalds-fan/leechgo/internal/peerconn"
	"github.com/torvalds-fan/leechgo/internal/torrerr"
	"github.com/torvalds-fan/leechgo/internal/tracker"
)

// maxConcurrentPeers bounds how many peer dials/sessions run at once
// (spec.md §5 "bounded concurrency", C7 component notes).
const maxConcurrentPeers = 50

// reannounceMinInterval is the floor on how often Engine re-contacts the
// tracker for more peers, regardless of what the tracker's own interval
// says, so a misbehaving tracker can't be asked to hammer itself.
const reannounceMinInterval = 30 * time.Second

// Config configures one Engine run.
type Config struct {
	TorrentPath string
	DestDir     string
	Force       bool // overwrite existing output files
}

// ProgressFunc is invoked after every piece verification with
// (verifiedPieces, totalPieces).
type ProgressFunc func(done, total int)

// Engine orchestrates one torrent download end to end.
type Engine struct {
	cfg      Config
	info     *metainfo.Info
	ledger   *ledger.Ledger
	assembl  *assembler.Assembler
	peerID   [20]byte
	log      *logrus.Entry
	onProgress ProgressFunc

	mu       sync.Mutex
	sessions map[peerconn.Address]*peerconn.Session
}

// New loads the torrent at cfg.TorrentPath and prepares the on-disk
// layout, but does not yet contact any tracker or peer.
func New(cfg Config, onProgress ProgressFunc) (*Engine, error) {
	info, err := metainfo.Load(cfg.TorrentPath)
	if err != nil {
		return nil, err
	}
	a, err := assembler.New(cfg.DestDir, info.FilePlan(), info.PieceLength, info.Total, cfg.Force)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		info:       info,
		ledger:     ledger.New(info),
		assembl:    a,
		peerID:     clientid.Generate(),
		log:        logrus.WithField("torrent", info.Name),
		onProgress: onProgress,
		sessions:   make(map[peerconn.Address]*peerconn.Session),
	}, nil
}

// Info exposes the loaded torrent metadata, mainly for CLI reporting.
func (e *Engine) Info() *metainfo.Info { return e.info }

// Run announces to the tracker, dials peers up to maxConcurrentPeers at a
// time, and drives every session until the torrent is complete, ctx is
// canceled, or an unrecoverable error occurs (spec.md §4.7 "Engine run
// loop").
func (e *Engine) Run(ctx context.Context) error {
	defer e.assembl.Close()

	mc := tracker.NewMultiClient(append([]string{e.info.Announce}, e.info.AnnounceList...))
	verifiedCh := make(chan peerconn.VerifiedPiece, maxConcurrentPeers*ledgerFanoutFactor)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.consumeVerified(gctx, verifiedCh) })
	g.Go(func() error { return e.announceLoop(gctx, mc, verifiedCh) })

	if err := g.Wait(); err != nil && err != errDone {
		return err
	}
	return nil
}

// ledgerFanoutFactor sizes the verified-piece channel generously enough
// that a burst of concurrent completions never blocks a session's
// onPiece call.
const ledgerFanoutFactor = 4

// errDone is returned internally by announceLoop/consumeVerified to
// signal "the torrent finished successfully", distinguished from a real
// failure so Run doesn't propagate it as an error.
var errDone = fmt.Errorf("engine: download complete")

// announceLoop repeatedly contacts the tracker, dials newly discovered
// peers (bounded by a semaphore), and re-announces on the tracker's
// interval until the ledger reports done.
func (e *Engine) announceLoop(ctx context.Context, mc *tracker.MultiClient, verifiedCh chan<- peerconn.VerifiedPiece) error {
	sem := semaphore.NewWeighted(maxConcurrentPeers)

	interval := reannounceMinInterval
	for {
		left := e.bytesLeft()
		resp, err := mc.Announce(ctx, tracker.Request{
			InfoHash: e.info.Hash,
			PeerID:   e.peerID,
			Port:     6881,
			Left:     left,
			Event:    "started",
		})
		if err != nil {
			e.log.WithError(err).Warn("tracker announce failed")
		} else {
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
				if interval < reannounceMinInterval {
					interval = reannounceMinInterval
				}
			}
			for _, p := range resp.Peers {
				addr := peerconn.Address{Host: p.IP, Port: p.Port}
				if e.hasSession(addr) {
					continue
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					break
				}
				e.markSession(addr, nil) // reserve the slot before the dial completes
				go func(addr peerconn.Address) {
					defer sem.Release(1)
					defer e.removeSession(addr)
					e.runOneSession(ctx, addr, verifiedCh)
				}(addr)
			}
		}

		if e.ledger.IsDone() {
			return errDone
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (e *Engine) runOneSession(ctx context.Context, addr peerconn.Address, verifiedCh chan<- peerconn.VerifiedPiece) {
	sess, err := peerconn.Dial(ctx, addr, e.info, e.ledger, e.peerID, verifiedCh)
	if err != nil {
		e.log.WithError(err).WithField("peer", addr.String()).Debug("peer dial failed")
		return
	}
	e.markSession(addr, sess)
	if err := sess.Run(ctx); err != nil {
		e.log.WithError(err).WithField("peer", addr.String()).Debug("peer session ended")
	}
	for idx, begins := range sess.OutstandingBlocks() {
		e.ledger.ReturnRequested(idx, begins)
	}
}

// consumeVerified persists every verified piece via the assembler and
// fans the completion out to every other live session so they stop
// requesting it (spec.md §4.7 "notify ... FileAssembler and all
// PeerSessions of completion").
func (e *Engine) consumeVerified(ctx context.Context, verifiedCh <-chan peerconn.VerifiedPiece) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case vp := <-verifiedCh:
			if err := e.assembl.WritePiece(vp.Index, vp.Data); err != nil {
				return torrerr.IO(err, "persist verified piece")
			}
			e.mu.Lock()
			for _, s := range e.sessions {
				if s != nil {
					s.NotifyVerified(vp.Index)
				}
			}
			e.mu.Unlock()
			done, total := e.ledger.Progress()
			if e.onProgress != nil {
				e.onProgress(done, total)
			}
			if e.ledger.IsDone() {
				return errDone
			}
		}
	}
}

func (e *Engine) bytesLeft() int64 {
	done, total := e.ledger.Progress()
	if total == 0 {
		return 0
	}
	fraction := float64(total-done) / float64(total)
	return int64(fraction * float64(e.info.Total))
}

func (e *Engine) hasSession(addr peerconn.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[addr]
	return ok
}

func (e *Engine) markSession(addr peerconn.Address, s *peerconn.Session) {
	e.mu.Lock()
	e.sessions[addr] = s
	e.mu.Unlock()
}

func (e *Engine) removeSession(addr peerconn.Address) {
	e.mu.Lock()
	delete(e.sessions, addr)
	e.mu.Unlock()
}

// Progress returns (verifiedPieces, totalPieces).
func (e *Engine) Progress() (int, int) { return e.ledger.Progress() }
