// Package filename_encoder maps URLs (or any byte strings) onto portable
// filesystem paths whose segments never exceed MaximumSubdirectoryLength
// bytes, and maps them back again.
//
// Bytes outside [A-Za-z0-9_.=+-] become ",HH". Every encoded path ends in
// ',' so that "/a" ("/a,") and "/a/b" ("/a/b,") can coexist on disk.
package filename_encoder

import (
	"strings"

	"github.com/buildbuddy-io/contentcache/server/util/status"
)

const (
	EscapeChar     = ','
	TruncationChar = '-'

	// MaximumSubdirectoryLength is the longest segment Encode will emit.
	MaximumSubdirectoryLength = 128
)

const hexDigits = "0123456789ABCDEF"

func isSafe(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	case ch == '_', ch == '.', ch == '=', ch == '+', ch == '-':
		return true
	}
	return false
}

func hexValue(ch byte) (byte, bool) {
	switch {
	case '0' <= ch && ch <= '9':
		return ch - '0', true
	case 'A' <= ch && ch <= 'F':
		return ch - 'A' + 10, true
	case 'a' <= ch && ch <= 'f':
		return ch - 'a' + 10, true
	}
	return 0, false
}

// appendSegment moves segment (or as much of it as fits) into dest and
// returns whatever is left over. A leftover is only possible when the
// segment is longer than MaximumSubdirectoryLength, in which case dest ends
// with the ",-" truncation marker.
func appendSegment(segment string, dest *strings.Builder) string {
	if segment == "." || segment == ".." {
		dest.WriteByte(EscapeChar)
		dest.WriteString(segment)
		return ""
	}
	if len(segment) <= MaximumSubdirectoryLength {
		dest.WriteString(segment)
		return ""
	}
	// Make room for the two byte ",-" marker without splitting a ",HH"
	// escape that happens to straddle the cut.
	n := MaximumSubdirectoryLength - 2
	if segment[n-1] == EscapeChar {
		n -= 1
	} else if segment[n-2] == EscapeChar {
		n -= 2
	}
	dest.WriteString(segment[:n])
	dest.WriteByte(EscapeChar)
	dest.WriteByte(TruncationChar)
	return segment[n:]
}

// EncodeSegment appends the encoding of filenameEnding to filenamePrefix.
// The part of filenamePrefix after its last dirSeparator is treated as the
// start of the first segment.
func EncodeSegment(filenamePrefix, filenameEnding string, dirSeparator byte) string {
	var dest strings.Builder
	var segment strings.Builder

	if i := strings.LastIndexByte(filenamePrefix, dirSeparator); i < 0 {
		segment.WriteString(filenamePrefix)
	} else {
		dest.WriteString(filenamePrefix[:i+1])
		segment.WriteString(filenamePrefix[i+1:])
	}

	index := 0
	// The first separator is copied through without escaping.
	if len(filenameEnding) > 0 && filenameEnding[0] == dirSeparator {
		dest.WriteString(segment.String())
		segment.Reset()
		dest.WriteByte(dirSeparator)
		index++
	}

	flush := func() {
		rest := appendSegment(segment.String(), &dest)
		segment.Reset()
		segment.WriteString(rest)
	}

	for ; index < len(filenameEnding); index++ {
		ch := filenameEnding[index]
		// An empty segment is never emitted; the second separator of a
		// pair is escaped into the following segment instead.
		if ch == dirSeparator && segment.Len() > 0 {
			flush()
			dest.WriteByte(dirSeparator)
			segment.Reset()
			continue
		}
		if isSafe(ch) {
			segment.WriteByte(ch)
		} else {
			segment.WriteByte(EscapeChar)
			segment.WriteByte(hexDigits[ch>>4])
			segment.WriteByte(hexDigits[ch&0x0f])
		}
		if segment.Len() > MaximumSubdirectoryLength {
			flush()
			dest.WriteByte(dirSeparator)
		}
	}

	// The trailing escape char lets a leaf share its name with a branch.
	segment.WriteByte(EscapeChar)
	if rest := appendSegment(segment.String(), &dest); rest != "" {
		dest.WriteByte(dirSeparator)
		dest.WriteString(rest)
	}
	return dest.String()
}

// Encode is EncodeSegment with a '/' separator.
func Encode(filenamePrefix, url string) string {
	return EncodeSegment(filenamePrefix, url, '/')
}

type decodeState int

const (
	stateStart decodeState = iota
	stateEscape
	stateFirstHexDigit
	stateTruncationSkip
	stateEscapedDot
)

// Decode reverses EncodeSegment for a value encoded with an empty prefix.
// Separators in the encoded form always decode to '/'.
func Decode(encoded string, dirSeparator byte) (string, error) {
	var out strings.Builder
	state := stateStart
	var hi byte
	for i := 0; i < len(encoded); i++ {
		ch := encoded[i]
		switch state {
		case stateStart:
			switch ch {
			case EscapeChar:
				state = stateEscape
			case dirSeparator:
				out.WriteByte('/')
			default:
				out.WriteByte(ch)
			}
		case stateEscape:
			if v, ok := hexValue(ch); ok {
				hi = v
				state = stateFirstHexDigit
			} else if ch == TruncationChar {
				state = stateTruncationSkip
			} else if ch == '.' {
				out.WriteByte('.')
				// At most one more dot follows.
				state = stateEscapedDot
			} else if ch == dirSeparator {
				out.WriteByte('/')
				state = stateStart
			} else {
				return "", status.InvalidArgumentErrorf("unexpected %q after escape at offset %d in %q", ch, i, encoded)
			}
		case stateFirstHexDigit:
			lo, ok := hexValue(ch)
			if !ok {
				return "", status.InvalidArgumentErrorf("bad hex digit %q at offset %d in %q", ch, i, encoded)
			}
			out.WriteByte(hi<<4 | lo)
			state = stateStart
		case stateTruncationSkip:
			if ch != dirSeparator {
				return "", status.InvalidArgumentErrorf("truncation marker not followed by separator at offset %d in %q", i, encoded)
			}
			state = stateStart
		case stateEscapedDot:
			if ch == dirSeparator {
				out.WriteByte('/')
			} else {
				out.WriteByte(ch)
			}
			state = stateStart
		}
	}
	// Every legal encoding ends with the trailing escape char.
	if state != stateEscape {
		return "", status.InvalidArgumentErrorf("%q does not end in %q", encoded, EscapeChar)
	}
	return out.String(), nil
}
