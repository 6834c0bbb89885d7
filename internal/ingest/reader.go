package ingest

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Supported input charsets.
const (
	CharsetUTF8        = "utf-8"
	CharsetWindows1252 = "windows-1252"
	CharsetLatin1      = "iso-8859-1"
)

// Decoder returns a reader that strips a leading BOM and converts the input
// to valid UTF-8. Invalid UTF-8 bytes become U+FFFD, including in input that
// starts with a BOM.
func Decoder(r io.Reader, charset string) (io.Reader, error) {
	var enc encoding.Encoding
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf8", CharsetUTF8:
		enc = unicode.UTF8
	case "cp1252", CharsetWindows1252:
		enc = charmap.Windows1252
	case "latin1", "latin-1", CharsetLatin1:
		enc = charmap.ISO8859_1
	default:
		return nil, errors.Newf("encoding error: unsupported charset %q", charset)
	}
	return transform.NewReader(r, transform.Chain(
		unicode.BOMOverride(enc.NewDecoder()),
		runes.ReplaceIllFormed(),
	)), nil
}

// countingReader tracks bytes read from the raw input.
type countingReader struct {
	reader    io.Reader
	bytesRead int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytesRead += int64(n)
	return n, err
}
