// Package metainfo parses .torrent files (BEP-3) into an immutable Info
// describing the torrent's pieces and file layout (spec.md §3, §4.2).
package metainfo

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	"github.com/torvalds-fan/leechgo/internal/assembler"
	"github.com/torvalds-fan/leechgo/internal/bencode"
	"github.com/torvalds-fan/leechgo/internal/torrerr"
)

// BlockSize is the canonical request/block length (spec.md GLOSSARY).
const BlockSize = 16384

// Info is the immutable, fully-validated view of a .torrent file.
type Info struct {
	Announce     string
	AnnounceList []string // flattened announce-list, in tier order; may be empty

	Name        string
	PieceLength int64
	Total       int64
	PieceHashes [][20]byte
	Files       []assembler.FileEntry

	Hash [20]byte // SHA-1 of the verbatim "info" dictionary bytes
}

// Load reads and validates a torrent file at path.
func Load(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, torrerr.IO(err, "open torrent file")
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// Decode parses a torrent file already available as a reader.
func Decode(r *bufio.Reader) (*Info, error) {
	top, infoBytes, err := bencode.DecodeCapture(r, "info")
	if err != nil {
		return nil, torrerr.Bencode(err, "decode torrent file")
	}
	if top.Type != bencode.TypeDict {
		return nil, torrerr.Metainfo(fmt.Errorf("top-level value is not a dictionary"), "parse torrent file")
	}

	announceVal, ok := top.Get("announce")
	if !ok || announceVal.Type != bencode.TypeString {
		return nil, torrerr.Metainfo(fmt.Errorf("missing announce key"), "parse torrent file")
	}

	infoVal, ok := top.Get("info")
	if !ok || infoVal.Type != bencode.TypeDict {
		return nil, torrerr.Metainfo(fmt.Errorf("missing info dictionary"), "parse torrent file")
	}
	if infoBytes == nil {
		return nil, torrerr.Metainfo(fmt.Errorf("could not capture raw info bytes"), "parse torrent file")
	}

	inf, err := parseInfoDict(infoVal)
	if err != nil {
		return nil, err
	}
	inf.Announce = string(announceVal.Str)
	inf.AnnounceList = parseAnnounceList(top)
	inf.Hash = sha1.Sum(infoBytes)
	return inf, nil
}

func parseAnnounceList(top bencode.Value) []string {
	listVal, ok := top.Get("announce-list")
	if !ok || listVal.Type != bencode.TypeList {
		return nil
	}
	var flat []string
	for _, tier := range listVal.List {
		if tier.Type != bencode.TypeList {
			continue
		}
		for _, u := range tier.List {
			if u.Type == bencode.TypeString && len(u.Str) > 0 {
				flat = append(flat, string(u.Str))
			}
		}
	}
	return flat
}

func parseInfoDict(info bencode.Value) (*Info, error) {
	nameVal, ok := info.Get("name")
	if !ok || nameVal.Type != bencode.TypeString || len(nameVal.Str) == 0 {
		return nil, torrerr.Metainfo(fmt.Errorf("info dictionary missing name"), "parse info dictionary")
	}

	pieceLenVal, ok := info.Get("piece length")
	if !ok || pieceLenVal.Type != bencode.TypeInt || pieceLenVal.Int <= 0 {
		return nil, torrerr.Metainfo(fmt.Errorf("info dictionary missing or invalid piece length"), "parse info dictionary")
	}

	piecesVal, ok := info.Get("pieces")
	if !ok || piecesVal.Type != bencode.TypeString || len(piecesVal.Str)%20 != 0 {
		return nil, torrerr.Metainfo(fmt.Errorf("info dictionary pieces field must have length a multiple of 20"), "parse info dictionary")
	}
	numPieces := len(piecesVal.Str) / 20
	hashes := make([][20]byte, numPieces)
	for i := range hashes {
		copy(hashes[i][:], piecesVal.Str[i*20:(i+1)*20])
	}

	_, hasLength := info.Get("length")
	_, hasFiles := info.Get("files")
	if hasLength == hasFiles {
		return nil, torrerr.Metainfo(fmt.Errorf("info dictionary must have exactly one of length or files"), "parse info dictionary")
	}

	name := string(nameVal.Str)
	var files []assembler.FileEntry
	var total int64

	if hasLength {
		lengthVal, _ := info.Get("length")
		if lengthVal.Type != bencode.TypeInt || lengthVal.Int < 0 {
			return nil, torrerr.Metainfo(fmt.Errorf("invalid length value"), "parse info dictionary")
		}
		total = lengthVal.Int
		files = []assembler.FileEntry{{
			Path:            name,
			Length:          total,
			FileOffsetStart: 0,
		}}
	} else {
		filesVal, _ := info.Get("files")
		if filesVal.Type != bencode.TypeList || len(filesVal.List) == 0 {
			return nil, torrerr.Metainfo(fmt.Errorf("files list is empty"), "parse info dictionary")
		}
		var offset int64
		for i, fv := range filesVal.List {
			if fv.Type != bencode.TypeDict {
				return nil, torrerr.Metainfo(fmt.Errorf("files[%d] is not a dictionary", i), "parse info dictionary")
			}
			lengthVal, ok := fv.Get("length")
			if !ok || lengthVal.Type != bencode.TypeInt || lengthVal.Int < 0 {
				return nil, torrerr.Metainfo(fmt.Errorf("files[%d] missing valid length", i), "parse info dictionary")
			}
			pathVal, ok := fv.Get("path")
			if !ok || pathVal.Type != bencode.TypeList || len(pathVal.List) == 0 {
				return nil, torrerr.Metainfo(fmt.Errorf("files[%d] missing path", i), "parse info dictionary")
			}
			parts := make([]string, len(pathVal.List))
			for j, p := range pathVal.List {
				if p.Type != bencode.TypeString {
					return nil, torrerr.Metainfo(fmt.Errorf("files[%d] path component %d is not a string", i, j), "parse info dictionary")
				}
				parts[j] = string(p.Str)
			}
			rel := filepath.Join(parts...)
			files = append(files, assembler.FileEntry{
				Path:            rel,
				Length:          lengthVal.Int,
				FileOffsetStart: offset,
			})
			offset += lengthVal.Int
		}
		total = offset
	}

	expectedPieces := (total + pieceLenVal.Int - 1) / pieceLenVal.Int
	if total == 0 {
		expectedPieces = 0
	}
	if int(expectedPieces) != numPieces && total > 0 {
		return nil, torrerr.Metainfo(
			fmt.Errorf("piece count %d does not match total length %d at piece length %d (expected %d)",
				numPieces, total, pieceLenVal.Int, expectedPieces),
			"validate info dictionary")
	}

	return &Info{
		Name:        name,
		PieceLength: pieceLenVal.Int,
		Total:       total,
		PieceHashes: hashes,
		Files:       files,
	}, nil
}

// NumPieces returns the number of pieces in the torrent.
func (i *Info) NumPieces() int { return len(i.PieceHashes) }

// PieceLen returns the exact length of piece index idx, accounting for a
// shorter final piece (spec.md §3).
func (i *Info) PieceLen(idx int) int64 {
	if idx == i.NumPieces()-1 {
		rem := i.Total - int64(idx)*i.PieceLength
		if rem > 0 {
			return rem
		}
	}
	return i.PieceLength
}

// BlocksPerPiece returns the number of BlockSize-sized requests needed to
// cover piece idx.
func (i *Info) BlocksPerPiece(idx int) int {
	l := i.PieceLen(idx)
	return int((l + BlockSize - 1) / BlockSize)
}

// BlockLength returns the length of block blockIdx within piece idx,
// which is BlockSize except possibly the last block of the last piece
// (spec.md §3 "BlockId").
func (i *Info) BlockLength(idx, blockIdx int) int {
	pieceLen := i.PieceLen(idx)
	begin := int64(blockIdx) * BlockSize
	remaining := pieceLen - begin
	if remaining < BlockSize {
		return int(remaining)
	}
	return BlockSize
}

// IsMultiFile reports whether the torrent spans more than one file.
func (i *Info) IsMultiFile() bool { return len(i.Files) > 1 || (len(i.Files) == 1 && i.Files[0].Path != i.Name) }

// FilePlan returns the ordered list of (path, length, offset) entries,
// rooted at the torrent's name directory for multi-file torrents
// (spec.md §3 "File plan", §6 "Persisted state layout").
func (i *Info) FilePlan() []assembler.FileEntry {
	if len(i.Files) <= 1 {
		return i.Files
	}
	plan := make([]assembler.FileEntry, len(i.Files))
	for idx, f := range i.Files {
		plan[idx] = assembler.FileEntry{
			Path:            filepath.Join(i.Name, f.Path),
			Length:          f.Length,
			FileOffsetStart: f.FileOffsetStart,
		}
	}
	return plan
}
