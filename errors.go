package heimdall

import (
	"fmt"
)

// ParseError is returned when a wire-format message can't be decoded.
// It carries the byte offset the decoder gave up at.
type ParseError struct {
	Offset int
	Reason string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("malformed message at offset %d: %s", e.Offset, e.Reason)
}

func parseErr(off int, reason string) error {
	return ParseError{Offset: off, Reason: reason}
}

// PackError is returned when a message can't be serialized, for example
// when a name exceeds the maximum length.
type PackError struct {
	Reason string
}

func (e PackError) Error() string {
	return "failed to pack message: " + e.Reason
}

// QueryTimeoutError is returned when a query times out.
type QueryTimeoutError struct {
	query *Packet
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}
