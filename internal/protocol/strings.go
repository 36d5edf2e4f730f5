package protocol

import "bytes"

// stringTable accumulates the trailing byte buffer that fixed-offset
// message fields point into (spec.md §6: "Body layout is flat: fixed-size
// fields first, then a trailing byte buffer whose offsets ... are named in
// the struct. Strings are NUL-terminated... `count` fields bound
// contiguous NUL-separated string arrays.").
type stringTable struct {
	buf []byte
}

// putString appends a single NUL-terminated string and returns its offset.
func (t *stringTable) putString(s string) uint32 {
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	return off
}

// putStrings appends count NUL-separated strings contiguously and returns
// the offset of the first one, plus the count.
func (t *stringTable) putStrings(ss []string) (offset uint32, count uint32) {
	offset = uint32(len(t.buf))
	for _, s := range ss {
		t.buf = append(t.buf, s...)
		t.buf = append(t.buf, 0)
	}
	return offset, uint32(len(ss))
}

// getString reads a single NUL-terminated string starting at offset.
func getString(buf []byte, offset uint32) string {
	if int(offset) >= len(buf) {
		return ""
	}
	rest := buf[offset:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}

// getStrings reads count NUL-separated strings starting at offset.
func getStrings(buf []byte, offset uint32, count uint32) []string {
	if count == 0 {
		return nil
	}
	out := make([]string, 0, count)
	pos := int(offset)
	for i := uint32(0); i < count; i++ {
		if pos > len(buf) {
			break
		}
		rest := buf[pos:]
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			out = append(out, string(rest))
			pos = len(buf)
			continue
		}
		out = append(out, string(rest[:end]))
		pos += end + 1
	}
	return out
}
