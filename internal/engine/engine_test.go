package engine

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torvalds-fan/leechgo/internal/bencode"
	"github.com/torvalds-fan/leechgo/internal/wire"
)

// writeFixtureTorrent bencodes a single-file, single-piece .torrent whose
// announce URL points at an httptest tracker, and returns its path plus
// the piece data it describes.
func writeFixtureTorrent(t *testing.T, dir, announceURL string) (path string, data []byte) {
	t.Helper()
	data = []byte("hello world, this is one tiny piece")
	hash := sha1.Sum(data)

	info := bencode.Value{Type: bencode.TypeDict, Dict: map[string]bencode.Value{
		"name":         {Type: bencode.TypeString, Str: []byte("fixture.bin")},
		"length":       {Type: bencode.TypeInt, Int: int64(len(data))},
		"piece length": {Type: bencode.TypeInt, Int: int64(len(data))},
		"pieces":       {Type: bencode.TypeString, Str: hash[:]},
	}}
	top := bencode.Value{Type: bencode.TypeDict, Dict: map[string]bencode.Value{
		"announce": {Type: bencode.TypeString, Str: []byte(announceURL)},
		"info":     info,
	}}

	out := filepath.Join(dir, "fixture.torrent")
	f, err := os.Create(out)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, bencode.Encode(f, top))
	return out, data
}

// fakePeerServingData listens on a TCP port and, for every connection,
// performs a handshake and serves the single-piece fixture on request.
func fakePeerServingData(t *testing.T, infoHash [20]byte, data []byte) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				remote, err := wire.ReadHandshake(conn)
				if err != nil || remote.InfoHash != infoHash {
					return
				}
				conn.Write(wire.NewHandshake(infoHash, [20]byte{}).Serialize())
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
				payload := make([]byte, 8+len(data))
				copy(payload[8:], data)
				conn.Write((&wire.Message{ID: wire.MsgPiece, Payload: payload}).Serialize())

				// keep the connection open briefly so the engine's idle
				// handling doesn't race the test's own shutdown.
				time.Sleep(200 * time.Millisecond)
			}(conn)
		}
	}()
	return l
}

func TestEngineDownloadsSinglePieceTorrentEndToEnd(t *testing.T) {
	workDir := t.TempDir()
	destDir := t.TempDir()

	var peerListener net.Listener
	var infoHash [20]byte

	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerAddr := peerListener.Addr().(*net.TCPAddr)
		ip := peerAddr.IP.To4()
		port := uint16(peerAddr.Port)
		peerRecord := append([]byte{}, ip...)
		peerRecord = append(peerRecord, byte(port>>8), byte(port))
		body := "d8:intervali3600e5:peers6:" + string(peerRecord) + "e"
		w.Write([]byte(body))
	}))
	defer tracker.Close()

	torrentPath, data := writeFixtureTorrent(t, workDir, tracker.URL+"/announce")

	infoHashFromFile := func() [20]byte {
		f, err := os.Open(torrentPath)
		require.NoError(t, err)
		defer f.Close()
		_, infoBytes, err := bencode.DecodeCapture(f, "info")
		require.NoError(t, err)
		return sha1.Sum(infoBytes)
	}
	infoHash = infoHashFromFile()

	peerListener = fakePeerServingData(t, infoHash, data)
	defer peerListener.Close()

	progressCalls := 0
	e, err := New(Config{TorrentPath: torrentPath, DestDir: destDir}, func(done, total int) {
		progressCalls++
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = e.Run(ctx)
	require.NoError(t, err)

	done, total := e.Progress()
	require.Equal(t, total, done)
	require.Greater(t, progressCalls, 0)

	written, err := os.ReadFile(filepath.Join(destDir, "fixture.bin"))
	require.NoError(t, err)
	require.Equal(t, data, written)
}
