package sandbox

import (
	"iter"
	"unicode/utf8"
)

// All returns a sequence of the value's characters, left to right. Every
// range over the sequence reads the value as it is when that pass starts, so
// a pass after a mutation sees the new characters.
func (s *String) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		snapshot := s.value
		for pos := 0; pos < len(snapshot); {
			_, size := utf8.DecodeRuneInString(snapshot[pos:])
			if !yield(snapshot[pos : pos+size]) {
				return
			}
			pos += size
		}
	}
}

// Chars returns the value split into characters.
func (s *String) Chars() []string {
	chars := make([]string, 0, s.Len())
	for c := range s.All() {
		chars = append(chars, c)
	}
	return chars
}
