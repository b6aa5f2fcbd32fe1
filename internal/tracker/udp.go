package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/torvalds-fan/leechgo/internal/torrerr"
)

// UDP tracker actions (BEP-15).
const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

const (
	udpConnectMagic    uint64 = 0x41727101980
	udpBaseTimeout            = 15 * time.Second
	udpMaxAttempts            = 9 // BEP-15: 15s, 30s, 60s, ... up to 3840s
	eventStarted       uint32 = 2
)

type udpClient struct {
	url *url.URL
}

// Announce performs the two-step BEP-15 exchange: Connect then Announce,
// retrying with the doubling backoff schedule on timeout, grounded on
// matei-oltean-go-torrent's QueryUDPTracker (tracker.go).
func (c *udpClient) Announce(ctx context.Context, req Request) (*Response, error) {
	addr, err := net.ResolveUDPAddr("udp", c.url.Host)
	if err != nil {
		return nil, torrerr.Tracker(err, "resolve UDP tracker address")
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, torrerr.Tracker(err, "dial UDP tracker")
	}
	defer conn.Close()

	timeout := udpBaseTimeout
	var lastErr error
	for attempt := 0; attempt < udpMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, torrerr.Tracker(ctx.Err(), "UDP tracker announce canceled")
		default:
		}

		conn.SetDeadline(time.Now().Add(timeout))

		connID, err := udpConnect(conn)
		if err != nil {
			lastErr = err
			timeout *= 2
			continue
		}

		resp, err := udpAnnounce(conn, connID, req)
		if err != nil {
			lastErr = err
			timeout *= 2
			continue
		}
		return resp, nil
	}
	return nil, torrerr.Tracker(fmt.Errorf("UDP tracker timed out after %d attempts: %w", udpMaxAttempts, lastErr), "UDP tracker announce")
}

// udpConnect sends the Connect request and returns the connection_id.
func udpConnect(conn *net.UDPConn) (uint64, error) {
	tid := rand.Uint32()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpConnectMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], tid)
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != actionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if gotTID := binary.BigEndian.Uint32(resp[4:8]); gotTID != tid {
		return 0, fmt.Errorf("transaction_id mismatch on connect")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

// udpAnnounce sends the Announce request and parses the peer list.
func udpAnnounce(conn *net.UDPConn, connID uint64, req Request) (*Response, error) {
	tid := rand.Uint32()

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], tid)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], eventStarted)
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP address: 0 means let the tracker decide
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(buf[92:96], 0xFFFFFFFF) // num_want = -1: all peers
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	resp := make([]byte, 20+6*200) // room for a generous peer list
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}
	resp = resp[:n]

	if action := binary.BigEndian.Uint32(resp[0:4]); action != actionAnnounce {
		return nil, fmt.Errorf("unexpected announce action %d", action)
	}
	if gotTID := binary.BigEndian.Uint32(resp[4:8]); gotTID != tid {
		return nil, fmt.Errorf("transaction_id mismatch on announce")
	}
	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	// leechers at resp[12:16], seeders at resp[16:20] -- not surfaced (out of scope)

	peers, err := parseCompactPeers(resp[20:], false)
	if err != nil {
		return nil, err
	}
	return &Response{Interval: interval, Peers: peers}, nil
}
