package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
)

// bytesReader is a tiny indirection so ParseBytes doesn't leak a
// concrete bytes.Reader type into its signature.
func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// rawInfoHash locates the exact byte span of the value bound to the
// top-level "info" key and returns its SHA-1 digest. It walks the
// bencode grammar just far enough to find key boundaries; it never
// interprets the info dictionary's contents, and it never re-encodes
// anything, which is what makes the resulting hash match what every
// other client computes from the same file.
func rawInfoHash(raw []byte) ([HashSize]byte, error) {
	var digest [HashSize]byte
	start, end, err := rawInfoSpan(raw)
	if err != nil {
		return digest, err
	}
	sum := sha1.Sum(raw[start:end])
	return sum, nil
}

// rawInfoSpan returns the [start, end) byte offsets of the value bound
// to key "info" in the top-level dictionary of raw.
func rawInfoSpan(raw []byte) (start, end int, err error) {
	if len(raw) == 0 || raw[0] != 'd' {
		return 0, 0, fmt.Errorf("rawhash: expected top-level dictionary")
	}
	pos := 1
	for pos < len(raw) && raw[pos] != 'e' {
		key, next, err := skipString(raw, pos)
		if err != nil {
			return 0, 0, err
		}
		pos = next
		valStart := pos
		valEnd, err := skipValue(raw, pos)
		if err != nil {
			return 0, 0, err
		}
		if key == "info" {
			return valStart, valEnd, nil
		}
		pos = valEnd
	}
	return 0, 0, fmt.Errorf("rawhash: no \"info\" key found")
}

// skipValue returns the offset just past the bencode value beginning
// at pos, without allocating or interpreting its contents beyond what
// is needed to find its end.
func skipValue(raw []byte, pos int) (int, error) {
	if pos >= len(raw) {
		return 0, fmt.Errorf("rawhash: unexpected end of input")
	}
	switch {
	case raw[pos] == 'i':
		end := bytes.IndexByte(raw[pos:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("rawhash: unterminated integer")
		}
		return pos + end + 1, nil
	case raw[pos] >= '0' && raw[pos] <= '9':
		_, next, err := skipString(raw, pos)
		return next, err
	case raw[pos] == 'l':
		p := pos + 1
		for p < len(raw) && raw[p] != 'e' {
			next, err := skipValue(raw, p)
			if err != nil {
				return 0, err
			}
			p = next
		}
		if p >= len(raw) {
			return 0, fmt.Errorf("rawhash: unterminated list")
		}
		return p + 1, nil
	case raw[pos] == 'd':
		p := pos + 1
		for p < len(raw) && raw[p] != 'e' {
			_, next, err := skipString(raw, p)
			if err != nil {
				return 0, err
			}
			p = next
			next, err = skipValue(raw, p)
			if err != nil {
				return 0, err
			}
			p = next
		}
		if p >= len(raw) {
			return 0, fmt.Errorf("rawhash: unterminated dictionary")
		}
		return p + 1, nil
	default:
		return 0, fmt.Errorf("rawhash: unexpected token %q at offset %d", raw[pos], pos)
	}
}

// skipString parses a bencode byte-string "<len>:<bytes>" starting at
// pos and returns its decoded value plus the offset just past it.
func skipString(raw []byte, pos int) (string, int, error) {
	colon := bytes.IndexByte(raw[pos:], ':')
	if colon < 0 {
		return "", 0, fmt.Errorf("rawhash: malformed string length")
	}
	colon += pos
	var length int
	if _, err := fmt.Sscanf(string(raw[pos:colon]), "%d", &length); err != nil {
		return "", 0, fmt.Errorf("rawhash: malformed string length: %w", err)
	}
	start := colon + 1
	end := start + length
	if length < 0 || end > len(raw) {
		return "", 0, fmt.Errorf("rawhash: string length out of bounds")
	}
	return string(raw[start:end]), end, nil
}
