package massing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultReferenceWindow is how many neighbours are returned around the
// closest reference.
const DefaultReferenceWindow = 2

// Reference is an annotated example parcel: a square PNG of a parcel with
// its real buildings, tagged with its side length and building storeys.
type Reference struct {
	Path        string
	DimensionsM float64
	Levels      []int
	Coordinates string
}

// Image reads the reference PNG.
func (r Reference) Image() ([]byte, error) {
	return os.ReadFile(r.Path)
}

// ReferenceIndex is the set of references for one zone, sorted by side
// length.
type ReferenceIndex struct {
	Zone string
	refs []Reference
}

// LoadReferenceIndex reads every *_combined.png in dir. Files that are not
// PNGs are skipped; a missing dimensions_m tag counts as 100 m.
func LoadReferenceIndex(dir, zone string) (*ReferenceIndex, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*_combined.png"))
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	ix := &ReferenceIndex{Zone: zone}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading reference %s: %w", p, err)
		}
		if !IsPNG(data) {
			continue
		}
		text, err := PNGText(data)
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", p, err)
		}
		ref, err := referenceFromText(p, text)
		if err != nil {
			return nil, fmt.Errorf("reference %s: %w", p, err)
		}
		ix.refs = append(ix.refs, ref)
	}
	sort.SliceStable(ix.refs, func(i, j int) bool { return ix.refs[i].DimensionsM < ix.refs[j].DimensionsM })
	return ix, nil
}

func referenceFromText(path string, text map[string]string) (Reference, error) {
	ref := Reference{Path: path, DimensionsM: 100, Coordinates: text["coordinates"]}
	if s, ok := text["dimensions_m"]; ok {
		d, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return ref, fmt.Errorf("dimensions_m: %w", err)
		}
		ref.DimensionsM = d
	}
	if s, ok := text["levels"]; ok {
		levels, err := ParseLevelList(s)
		if err != nil {
			return ref, fmt.Errorf("levels: %w", err)
		}
		ref.Levels = levels
	}
	return ref, nil
}

// Len returns the number of references.
func (ix *ReferenceIndex) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.refs)
}

// Similar returns the reference whose side is closest to sideM together with
// window neighbours, split evenly on both sides and shifted inwards at the
// ends of the list. Results are in ascending size.
func (ix *ReferenceIndex) Similar(sideM float64, window int) []Reference {
	n := ix.Len()
	if n == 0 {
		return nil
	}
	best := 0
	for i, r := range ix.refs {
		if math.Abs(r.DimensionsM-sideM) < math.Abs(ix.refs[best].DimensionsM-sideM) {
			best = i
		}
	}
	size := min(window+1, n)
	start := best - window/2
	start = max(0, min(start, n-size))
	return append([]Reference(nil), ix.refs[start:start+size]...)
}

// ReferenceLevels concatenates the storeys of refs.
func ReferenceLevels(refs []Reference) []int {
	var out []int
	for _, r := range refs {
		out = append(out, r.Levels...)
	}
	return out
}

// ParseLevelList reads a bracketed list such as "[12, 16.0, 4]". Fractions
// are truncated.
func ParseLevelList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "'\"")
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", p, err)
		}
		out = append(out, int(v))
	}
	return out, nil
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// PNGText collects the uncompressed tEXt chunks of a PNG as keyword/text
// pairs.
// PNG structure: 8-byte header, then chunks (length, type, data, CRC)
func PNGText(data []byte) (map[string]string, error) {
	if !IsPNG(data) {
		return nil, fmt.Errorf("not a PNG")
	}
	out := make(map[string]string)
	pos := 8
	for pos+12 <= len(data) {
		chunkLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		chunkType := string(data[pos+4 : pos+8])
		pos += 8

		if chunkLen < 0 || pos+chunkLen+4 > len(data) {
			return nil, fmt.Errorf("truncated PNG chunk")
		}
		if chunkType == "tEXt" {
			chunk := data[pos : pos+chunkLen]
			// keyword\0text, both Latin-1
			if i := bytes.IndexByte(chunk, 0); i > 0 {
				out[string(chunk[:i])] = latin1(chunk[i+1:])
			}
		}
		pos += chunkLen + 4

		if chunkType == "IEND" {
			break
		}
	}
	return out, nil
}

func latin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

// WithPNGText returns png with a tEXt chunk for every pair inserted after the
// IHDR chunk. Keys are written in sorted order.
func WithPNGText(png []byte, text map[string]string) ([]byte, error) {
	if !IsPNG(png) || len(png) < 33 {
		return nil, fmt.Errorf("not a PNG")
	}
	ihdrEnd := 8 + 8 + int(binary.BigEndian.Uint32(png[8:12])) + 4
	if ihdrEnd > len(png) {
		return nil, fmt.Errorf("truncated PNG chunk")
	}
	keys := make([]string, 0, len(text))
	for k := range text {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(png[:ihdrEnd])
	for _, k := range keys {
		writeChunk(&buf, "tEXt", append(append([]byte(k), 0), text[k]...))
	}
	buf.Write(png[ihdrEnd:])
	return buf.Bytes(), nil
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	buf.Write(hdr[:])
	buf.Write(data)

	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[4:])
	_, _ = crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}
