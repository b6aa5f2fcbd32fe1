package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/torvalds-fan/leechgo/internal/torrerr"
)

const httpTimeout = 30 * time.Second

// httpResponse is the typed shape of an HTTP tracker's bencoded reply
// (spec.md §4.3), decoded with the corpus's jackpal/bencode-go the same
// way the teacher's trackerRespone struct did, generalized with the
// failure-reason field.
type httpResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
	Peers6        string `bencode:"peers6"`
}

type httpClient struct {
	url *url.URL
}

func (c *httpClient) Announce(ctx context.Context, req Request) (*Response, error) {
	announceURL := c.buildURL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, torrerr.Tracker(err, "build tracker request")
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, torrerr.Tracker(err, "contact HTTP tracker")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, torrerr.Tracker(fmt.Errorf("tracker returned status %s", resp.Status), "HTTP tracker announce")
	}

	var tr httpResponse
	if err := bencodego.Unmarshal(resp.Body, &tr); err != nil {
		return nil, torrerr.Tracker(err, "decode tracker response")
	}
	if tr.FailureReason != "" {
		return nil, torrerr.Tracker(fmt.Errorf("tracker failure: %s (interval %d)", tr.FailureReason, tr.Interval), "HTTP tracker announce")
	}

	peers, err := parseCompactPeers([]byte(tr.Peers), false)
	if err != nil {
		return nil, torrerr.Tracker(err, "parse compact peers")
	}
	if tr.Peers6 != "" {
		if p6, err := parseCompactPeers([]byte(tr.Peers6), true); err == nil {
			peers = append(peers, p6...)
		}
	}

	return &Response{Interval: tr.Interval, Peers: peers}, nil
}

// buildURL builds the GET query per spec.md §4.3: raw 20-byte info_hash
// and peer_id, percent-encoded by url.Values' Encode.
func (c *httpClient) buildURL(req Request) string {
	v := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	if req.Event != "" {
		v.Set("event", req.Event)
	}
	u := *c.url
	u.RawQuery = v.Encode()
	return u.String()
}

// parseCompactPeers parses the 6-byte (IPv4) or 18-byte (IPv6) compact
// peer records from BEP-23 (spec.md §4.3).
func parseCompactPeers(data []byte, ipv6 bool) ([]Peer, error) {
	ipSize := net.IPv4len
	if ipv6 {
		ipSize = net.IPv6len
	}
	recSize := ipSize + 2
	if len(data)%recSize != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of %d", len(data), recSize)
	}
	peers := make([]Peer, 0, len(data)/recSize)
	for i := 0; i < len(data); i += recSize {
		ip := net.IP(data[i : i+ipSize])
		port := binary.BigEndian.Uint16(data[i+ipSize : i+recSize])
		peers = append(peers, Peer{IP: ip.String(), Port: port})
	}
	return peers, nil
}
