// Package position allocates fractional ordering keys for sibling rows.
//
// Keys are strings over the base-62 alphabet 0-9A-Za-z. The alphabet is ASCII
// ascending, so byte comparison of two keys equals comparison of the base-62
// fractions they spell. Keys never end in '0': such a key has no successor
// prefix and would leave no room below its neighbour.
package position

import (
	"errors"
	"strings"
)

const (
	Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	base   = len(Digits)

	// MaxKeyLen bounds key growth under repeated inserts at the same spot.
	MaxKeyLen = 48
)

// ErrOrderingExhausted reports that no usable key exists between two neighbours.
// Callers recover by rebalancing the sibling group.
var ErrOrderingExhausted = errors.New("ordering exhausted")

func digitIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 36
	}
	return -1
}

// Valid reports whether key can take part in allocation.
func Valid(key string) bool {
	if key == "" || key[len(key)-1] == '0' {
		return false
	}
	for i := 0; i < len(key); i++ {
		if digitIndex(key[i]) < 0 {
			return false
		}
	}
	return true
}

// Between returns a key strictly greater than prev and strictly less than next.
// An empty prev or next is an open end; both empty yields the middle key "V".
func Between(prev, next string) (string, error) {
	if prev != "" && !Valid(prev) || next != "" && !Valid(next) {
		return "", ErrOrderingExhausted
	}
	if prev != "" && next != "" && prev >= next {
		return "", ErrOrderingExhausted
	}
	k := midpoint(prev, next)
	if len(k) > MaxKeyLen {
		return "", ErrOrderingExhausted
	}
	return k, nil
}

// midpoint requires valid a < b; b == "" means no upper bound.
func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:])
		}
	}
	da := 0
	if a != "" {
		da = digitIndex(a[0])
	}
	db := base
	if b != "" {
		db = digitIndex(b[0])
	}
	if db-da > 1 {
		return string(Digits[(da+db+1)/2])
	}
	if len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(Digits[da]) + midpoint(rest, "")
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return '0'
}

// Rebalance returns n strictly ascending keys spread uniformly over the key
// space. The result depends only on n, so rebalancing twice changes nothing.
func Rebalance(n int) []string {
	if n <= 0 {
		return nil
	}
	width := 1
	space := uint64(base)
	// at least one spare digit of headroom between neighbours
	for space < uint64(n+1)*uint64(base) {
		width++
		space *= uint64(base)
	}
	step := space / uint64(n+1)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = encode(uint64(i+1)*step, width)
	}
	return keys
}

func encode(v uint64, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = Digits[v%uint64(base)]
		v /= uint64(base)
	}
	return strings.TrimRight(string(buf), "0")
}

// Placement is the outcome of inserting one key into a sibling group.
type Placement struct {
	Key string
	// Rebalanced is set when the group had to be renumbered; Keys then holds a
	// replacement key for every existing sibling, in their current order.
	Rebalanced bool
	Keys       []string
}

// Place returns a key for a new sibling at index within sorted siblings. It
// never fails: when the neighbours leave no room, the whole group is rebalanced
// and the new key takes slot index of the fresh spacing.
func Place(siblings []string, index int) Placement {
	if index < 0 {
		index = 0
	}
	if index > len(siblings) {
		index = len(siblings)
	}
	var prev, next string
	if index > 0 {
		prev = siblings[index-1]
	}
	if index < len(siblings) {
		next = siblings[index]
	}
	if k, err := Between(prev, next); err == nil {
		return Placement{Key: k}
	}
	fresh := Rebalance(len(siblings) + 1)
	keys := make([]string, 0, len(siblings))
	keys = append(keys, fresh[:index]...)
	keys = append(keys, fresh[index+1:]...)
	return Placement{Key: fresh[index], Rebalanced: true, Keys: keys}
}
