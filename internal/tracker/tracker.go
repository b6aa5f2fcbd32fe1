// Package tracker implements HTTP and UDP tracker announces (BEP-3,
// BEP-15, BEP-23) and returns the deduplicated peer list they report
// (spec.md §4.3, C3).
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/torvalds-fan/leechgo/internal/torrerr"
)

// Request describes one announce call.
type Request struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16
	Uploaded int64
	Downloaded int64
	Left     int64
	Event    string // "started", "", "completed", "stopped"
}

// Peer is one compact peer record (spec.md §4.3).
type Peer struct {
	IP   string
	Port uint16
}

func (p Peer) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

// Response is a tracker's reply to an announce.
type Response struct {
	Interval int
	Peers    []Peer
}

// Client announces to one tracker URL.
type Client interface {
	Announce(ctx context.Context, req Request) (*Response, error)
}

// NewClient dispatches on the announce URL's scheme (spec.md §4.3
// "Scheme-dispatched on the announce URL").
func NewClient(announce *url.URL) (Client, error) {
	switch announce.Scheme {
	case "http", "https":
		return &httpClient{url: announce}, nil
	case "udp", "udp4", "udp6":
		return &udpClient{url: announce}, nil
	default:
		return nil, torrerr.Tracker(fmt.Errorf("unsupported tracker scheme %q", announce.Scheme), "select tracker client")
	}
}

// MultiClient announces to every tracker in a flattened announce-list
// concurrently and returns the deduplicated union of peers, grounded on
// matei-oltean-go-torrent's QueryTrackers (tracker.go).
type MultiClient struct {
	urls []*url.URL
}

// NewMultiClient parses each announce URL, skipping ones it cannot parse.
// A URL whose scheme has no Client is kept and fails in Announce.
func NewMultiClient(announceURLs []string) *MultiClient {
	mc := &MultiClient{}
	for _, s := range announceURLs {
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		mc.urls = append(mc.urls, u)
	}
	return mc
}

type announceResult struct {
	resp *Response
	err  error
	host string
}

// Announce fans the request out to every tracker URL and merges the
// results. The returned interval is the minimum of all that responded;
// peers are deduplicated and returned in a deterministic sorted order.
func (mc *MultiClient) Announce(ctx context.Context, req Request) (*Response, error) {
	if len(mc.urls) == 0 {
		return nil, torrerr.Tracker(fmt.Errorf("no announce URLs"), "multi-tracker announce")
	}
	results := make(chan announceResult, len(mc.urls))
	for _, u := range mc.urls {
		go func(u *url.URL) {
			c, err := NewClient(u)
			if err != nil {
				results <- announceResult{err: err, host: u.Host}
				return
			}
			resp, err := c.Announce(ctx, req)
			results <- announceResult{resp: resp, err: err, host: u.Host}
		}(u)
	}

	seen := make(map[string]bool)
	var merged Response
	var lastErr error
	gotOne := false
	for range mc.urls {
		r := <-results
		if r.err != nil {
			lastErr = r.err
			continue
		}
		gotOne = true
		if merged.Interval == 0 || r.resp.Interval < merged.Interval {
			merged.Interval = r.resp.Interval
		}
		for _, p := range r.resp.Peers {
			key := p.String()
			if !seen[key] {
				seen[key] = true
				merged.Peers = append(merged.Peers, p)
			}
		}
	}
	if !gotOne {
		return nil, torrerr.Tracker(lastErr, "all trackers failed")
	}
	sort.Slice(merged.Peers, func(i, j int) bool { return merged.Peers[i].String() < merged.Peers[j].String() })
	return &merged, nil
}
