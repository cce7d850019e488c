package sandbox

import (
	"encoding/json"
	"unicode/utf8"
)

// String is a sandboxed string value. It owns its bytes and borrows the
// Policy that governs calls made through it.
//
// The bytes are kept exactly as given. Offsets count characters: a valid
// UTF-8 sequence is one character and every byte that is not part of one is
// a character on its own.
//
// A String is not safe for concurrent mutation; callers sharing one across
// goroutines must synchronise Set, Append and Remove themselves.
type String struct {
	value  string
	policy Policy
}

var (
	_ Indexable = (*String)(nil)
	_ Iterable  = (*String)(nil)
	_ Invocable = (*String)(nil)
)

// New wraps value in a String governed by policy.
func New(value string, policy Policy) *String {
	if policy == nil {
		panic("sandbox: nil policy")
	}
	return &String{value: value, policy: policy}
}

// String returns the current value.
func (s *String) String() string {
	return s.value
}

// Len returns the number of characters in the value.
func (s *String) Len() int {
	return utf8.RuneCountInString(s.value)
}

// MarshalJSON encodes the proxy as its plain string value. Invalid UTF-8
// bytes become U+FFFD, as encoding/json does for any string.
func (s *String) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.value)
}

// span returns the byte range of the character at offset.
func (s *String) span(offset int) (start, end int, ok bool) {
	if offset < 0 {
		return 0, 0, false
	}
	for pos, i := 0, 0; pos < len(s.value); i++ {
		_, size := utf8.DecodeRuneInString(s.value[pos:])
		if i == offset {
			return pos, pos + size, true
		}
		pos += size
	}
	return 0, 0, false
}
