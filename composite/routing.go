package composite

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

const maxTagLength = 255

// EncodeRoute encodes routing metadata: each tag prefixed by its uint8 length.
func EncodeRoute(tags ...string) ([]byte, error) {
	if len(tags) == 0 {
		return nil, errors.Wrap(ErrMalformed, "routing: at least one tag required")
	}
	size := 0
	for _, t := range tags {
		if len(t) == 0 || len(t) > maxTagLength {
			return nil, errors.Wrapf(ErrMalformed, "routing: tag %q length must be 1..%d", t, maxTagLength)
		}
		size += 1 + len(t)
	}
	out := make([]byte, 0, size)
	for _, t := range tags {
		out = append(out, byte(len(t)))
		out = append(out, t...)
	}
	return out, nil
}

// DecodeRoute decodes routing metadata into its tags.
func DecodeRoute(b []byte) ([]string, error) {
	var tags []string
	for len(b) > 0 {
		n := int(b[0])
		b = b[1:]
		if n == 0 || len(b) < n {
			return nil, errors.Wrapf(ErrMalformed, "routing: tag %d declares %d bytes, have %d", len(tags), n, len(b))
		}
		if !utf8.Valid(b[:n]) {
			return nil, errors.Wrapf(ErrMalformed, "routing: tag %d is not UTF-8", len(tags))
		}
		tags = append(tags, string(b[:n]))
		b = b[n:]
	}
	if len(tags) == 0 {
		return nil, errors.Wrap(ErrMalformed, "routing: no tags")
	}
	return tags, nil
}
