package sandbox

import (
	"fmt"
	"unicode/utf8"
)

// NoOffset is the offset that makes Set append instead of overwrite.
const NoOffset = -1

// Get returns the character at offset.
func (s *String) Get(offset int) (string, error) {
	start, end, ok := s.span(offset)
	if !ok {
		return "", s.outOfRange(offset)
	}
	return s.value[start:end], nil
}

// Set overwrites the character at offset with the first character of value.
// Passing NoOffset appends value instead. Positional writes never grow the
// value: offsets outside [0, Len) are rejected.
func (s *String) Set(offset int, value string) error {
	if offset == NoOffset {
		s.Append(value)
		return nil
	}
	start, end, ok := s.span(offset)
	if !ok {
		return s.outOfRange(offset)
	}
	_, size := utf8.DecodeRuneInString(value)
	if size == 0 {
		return fmt.Errorf("%w: offset %d", ErrEmptyAssignment, offset)
	}
	s.value = s.value[:start] + value[:size] + s.value[end:]
	return nil
}

// Append concatenates value onto the end, byte for byte.
func (s *String) Append(value string) {
	s.value += value
}

// Exists reports whether offset addresses a character.
func (s *String) Exists(offset int) bool {
	return offset >= 0 && offset < s.Len()
}

// Remove deletes the character at offset and shifts the rest left.
func (s *String) Remove(offset int) error {
	start, end, ok := s.span(offset)
	if !ok {
		return s.outOfRange(offset)
	}
	s.value = s.value[:start] + s.value[end:]
	return nil
}

func (s *String) outOfRange(offset int) error {
	return fmt.Errorf("%w: offset %d, length %d", ErrIndexOutOfRange, offset, s.Len())
}
