// Package visitor derives the anonymous visitor token used for approximate
// unique-visitor counts.
//
// The token is the first HashLength hex characters of an MD5 digest over the
// user agent followed by the referrer. No IP address, cookie or salt takes
// part, so the token never identifies a person and is only stable for a
// given (user agent, referrer) pair. Two visitors sharing that pair collapse
// into one token, and one visitor arriving through two referrers counts twice.
package visitor

import (
	"crypto/md5"
	"encoding/hex"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 8

// Hash is a truncated, non-reversible visitor token.
type Hash string

// Derive returns the visitor hash for a request. A nil referrer is treated
// as the empty string.
func Derive(userAgent string, referrer *string) Hash {
	input := userAgent
	if referrer != nil {
		input += *referrer
	}

	sum := md5.Sum([]byte(input))
	return Hash(hex.EncodeToString(sum[:])[:HashLength])
}

// String returns the token as stored.
func (h Hash) String() string {
	return string(h)
}
