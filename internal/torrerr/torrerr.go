// Package torrerr defines the typed error taxonomy used across leechgo
// (spec.md §7) so the engine's top-level diagnostic can distinguish a
// bad torrent file from a dead tracker from a lying peer.
package torrerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the seven error categories from spec.md §7.
type Kind string

const (
	KindBencode            Kind = "bencode"
	KindMetainfo           Kind = "metainfo"
	KindTracker            Kind = "tracker"
	KindPeerProtocol       Kind = "peer_protocol"
	KindPeerIO             Kind = "peer_io"
	KindPieceVerification  Kind = "piece_verification"
	KindIO                 Kind = "io"
)

// Error is the common shape for every leechgo error: a kind, an optional
// peer address, and a wrapped cause with a preserved stack trace.
type Error struct {
	Kind Kind
	Peer string
	Err  error
}

func (e *Error) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s [peer %s]: %s", e.Kind, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors Causer interface so
// errors.Cause(e) returns the innermost wrapped error.
func (e *Error) Cause() error { return e.Err }

func wrap(kind Kind, peer string, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Peer: peer, Err: errors.Wrap(err, msg)}
}

func Bencode(err error, msg string) error  { return wrap(KindBencode, "", err, msg) }
func Metainfo(err error, msg string) error { return wrap(KindMetainfo, "", err, msg) }
func Tracker(err error, msg string) error  { return wrap(KindTracker, "", err, msg) }
func IO(err error, msg string) error       { return wrap(KindIO, "", err, msg) }

func PeerProtocol(peer string, err error, msg string) error {
	return wrap(KindPeerProtocol, peer, err, msg)
}

func PeerIO(peer string, err error, msg string) error {
	return wrap(KindPeerIO, peer, err, msg)
}

func PieceVerification(pieceIndex int, err error) error {
	return wrap(KindPieceVerification, "", err, fmt.Sprintf("piece %d failed verification", pieceIndex))
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
