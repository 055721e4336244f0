package value

import (
	"strconv"
	"strings"
)

// Fingerprint returns a canonical string encoding suitable as a
// content-address: structurally equal Values always produce the same
// fingerprint, and the encoding is injective enough for use as a hash
// key (it is not meant to be human-readable or a wire format).
func Fingerprint(v Value) string {
	var b strings.Builder
	writeFingerprint(&b, v)
	return b.String()
}

func writeFingerprint(b *strings.Builder, v Value) {
	switch v.kind {
	case Null:
		b.WriteString("n:")
	case Bool:
		if v.b {
			b.WriteString("t:")
		} else {
			b.WriteString("f:")
		}
	case Number:
		b.WriteString("d:")
		b.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
		b.WriteByte(';')
	case String:
		b.WriteString("s:")
		b.WriteString(strconv.Itoa(len(v.s)))
		b.WriteByte(':')
		b.WriteString(v.s)
		b.WriteByte(';')
	case Sequence:
		b.WriteString("a:")
		b.WriteString(strconv.Itoa(len(v.seq)))
		b.WriteByte('[')
		for _, e := range v.seq {
			writeFingerprint(b, e)
		}
		b.WriteByte(']')
	case Mapping:
		b.WriteString("m:")
		b.WriteString(strconv.Itoa(len(v.keys)))
		b.WriteByte('{')
		for _, k := range v.keys {
			b.WriteString(strconv.Itoa(len(k)))
			b.WriteByte(':')
			b.WriteString(k)
			b.WriteByte('=')
			writeFingerprint(b, v.mp[k])
		}
		b.WriteByte('}')
	}
}
