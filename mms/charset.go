package mms

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const DefaultCharset = "utf-8"

// Charset converts file names between Go strings and the encoding a device
// uses on the wire.  Older devices commonly use GB18030 or a Windows code page.
type Charset struct {
	name string
	enc  encoding.Encoding
}

// LookupCharset resolves a charset by its WHATWG label, e.g. "utf-8",
// "gb18030", "windows-1252" or "macintosh".  An empty name selects UTF-8.
func LookupCharset(name string) (*Charset, error) {
	if name == "" {
		name = DefaultCharset
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}

	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = strings.ToLower(name)
	}

	return &Charset{name: canonical, enc: enc}, nil
}

func (c *Charset) Name() string {
	return c.name
}

// Encode converts s to the wire encoding.
func (c *Charset) Encode(s string) ([]byte, error) {
	out, err := c.enc.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("encode %q as %s: %w", s, c.name, err)
	}
	return []byte(out), nil
}

// Decode converts wire bytes to a Go string.
func (c *Charset) Decode(b []byte) (string, error) {
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode name as %s: %w", c.name, err)
	}
	return string(out), nil
}
