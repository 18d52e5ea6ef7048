package composite

import (
	"github.com/pkg/errors"
)

const (
	wellKnownFlag  = 0x80
	maxMimeLength  = 128
	maxEntryLength = 1<<24 - 1
	lengthSize     = 3
)

// ErrMalformed is the cause of every framing error reported by this package.
var ErrMalformed = errors.New("composite: malformed metadata")

// Entry is one independently typed metadata value.
type Entry struct {
	MimeType string
	// Data aliases the buffer the entry was read from.
	Data []byte
}

// AppendEntry appends one encoded entry to dst. Well-known MIME types are
// written in their compressed form.
func AppendEntry(dst []byte, mimeType string, data []byte) ([]byte, error) {
	if len(data) > maxEntryLength {
		return dst, errors.Wrapf(ErrMalformed, "entry %q: %d bytes exceeds uint24 length", mimeType, len(data))
	}
	if id, ok := WellKnownID(mimeType); ok {
		dst = append(dst, wellKnownFlag|id)
	} else {
		if len(mimeType) == 0 || len(mimeType) > maxMimeLength {
			return dst, errors.Wrapf(ErrMalformed, "mime type %q: length must be 1..%d", mimeType, maxMimeLength)
		}
		for i := 0; i < len(mimeType); i++ {
			if mimeType[i] >= 0x80 {
				return dst, errors.Wrapf(ErrMalformed, "mime type %q: not US-ASCII", mimeType)
			}
		}
		dst = append(dst, byte(len(mimeType)-1))
		dst = append(dst, mimeType...)
	}
	n := len(data)
	dst = append(dst, byte(n>>16), byte(n>>8), byte(n))
	return append(dst, data...), nil
}

// Encode packs entries, in order, into one composite metadata buffer.
func Encode(entries ...Entry) ([]byte, error) {
	var (
		out []byte
		err error
	)
	for _, e := range entries {
		if out, err = AppendEntry(out, e.MimeType, e.Data); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reader iterates the entries of a composite metadata buffer in wire order.
//
//	r := composite.NewReader(buf)
//	for r.Next() {
//		e := r.Entry()
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	buf   []byte
	entry Entry
	index int
	err   error
}

// NewReader returns a Reader over buf. The buffer is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next advances to the next entry. It returns false at the end of the buffer
// or on the first framing error.
func (r *Reader) Next() bool {
	if r.err != nil || len(r.buf) == 0 {
		return false
	}
	b := r.buf
	head := b[0]
	b = b[1:]

	var mime string
	if head&wellKnownFlag != 0 {
		mime, _ = WellKnownMimeType(head &^ wellKnownFlag)
	} else {
		n := int(head) + 1
		if len(b) < n {
			r.fail("mime type truncated: want %d bytes, have %d", n, len(b))
			return false
		}
		mime = string(b[:n])
		b = b[n:]
	}

	if len(b) < lengthSize {
		r.fail("length of %q truncated", mime)
		return false
	}
	n := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	b = b[lengthSize:]
	if len(b) < n {
		r.fail("%q declares %d bytes, have %d", mime, n, len(b))
		return false
	}

	r.entry = Entry{MimeType: mime, Data: b[:n:n]}
	r.buf = b[n:]
	r.index++
	return true
}

func (r *Reader) fail(format string, args ...any) {
	r.err = errors.Wrapf(ErrMalformed, "entry %d: "+format, append([]any{r.index}, args...)...)
	r.buf = nil
}

// Entry returns the entry produced by the last call to Next.
func (r *Reader) Entry() Entry { return r.entry }

// Err returns the framing error that stopped iteration, if any.
func (r *Reader) Err() error { return r.err }

// Decode reads every entry of buf.
func Decode(buf []byte) ([]Entry, error) {
	var out []Entry
	r := NewReader(buf)
	for r.Next() {
		out = append(out, r.Entry())
	}
	return out, r.Err()
}
