package runner

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// DecodeOutput applies a layered decoding fallback: try UTF-8 and
// accept it unless it contains 3 or more replacement characters; otherwise,
// if the buffer opens with a UTF-16LE BOM, decode as UTF-16LE; otherwise
// fall back to GBK, which is what diskpart/reg/manage-bde emit on a
// Chinese-locale system. Encoding is never assumed to be singular.
func DecodeOutput(b []byte) []byte {
	if len(b) == 0 {
		return b
	}

	if isAcceptableUTF8(b) {
		return b
	}

	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xFE {
		if decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b); err == nil {
			return decoded
		}
	}

	if decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(b); err == nil {
		return decoded
	}

	return b
}

// isAcceptableUTF8 decodes b as UTF-8 and accepts it
// unless 3 or more runes come back as the replacement character, which
// signals the bytes are actually some other encoding.
func isAcceptableUTF8(b []byte) bool {
	replacementCount := 0
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			replacementCount++
			if replacementCount >= 3 {
				return false
			}
		}
		i += size
	}
	return true
}
