package core

import (
	"fmt"
	"strconv"
	"strings"
)

// maxAddressDigits bounds a block address to a 64-bit offset.
const maxAddressDigits = 16

// Block identifies a unit of shared memory by its hexadecimal offset.
// The canonical form is a lower-case "0x" prefix followed by upper-case hex
// digits without leading zeros, so "0xabc" and "0x0ABC" name the same block.
type Block string

// ParseBlock validates raw and returns its canonical Block.
func ParseBlock(raw string) (Block, error) {
	s := strings.TrimSpace(raw)
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return "", fmt.Errorf("%w: %q is not 0x-prefixed hexadecimal", ErrInvalidAddress, raw)
	}
	digits := s[2:]
	if len(digits) > maxAddressDigits {
		return "", fmt.Errorf("%w: %q exceeds %d hex digits", ErrInvalidAddress, raw, maxAddressDigits)
	}
	offset, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not hexadecimal", ErrInvalidAddress, raw)
	}
	return BlockAt(offset), nil
}

// MustBlock is ParseBlock for literals known to be valid.
func MustBlock(raw string) Block {
	b, err := ParseBlock(raw)
	if err != nil {
		panic(err)
	}
	return b
}

// BlockAt returns the canonical Block for a byte offset.
func BlockAt(offset uint64) Block {
	return Block(fmt.Sprintf("0x%X", offset))
}

// Offset returns the numeric offset of a canonical block.
func (b Block) Offset() uint64 {
	if len(b) < 3 {
		return 0
	}
	v, _ := strconv.ParseUint(string(b[2:]), 16, 64)
	return v
}

func (b Block) String() string {
	return string(b)
}
