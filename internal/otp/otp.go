// Package otp issues the numeric codes a rider reads out to the driver
// before a trip can start.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
	"strconv"
)

const DefaultLength = 4

var ErrInvalidLength = errors.New("otp: length must be between 1 and 9")

// Generate returns a uniformly random code of exactly length digits,
// i.e. in [10^(length-1), 10^length - 1].
func Generate(length int) (string, error) {
	if length < 1 || length > 9 {
		return "", ErrInvalidLength
	}
	lo := pow10(length - 1)
	hi := pow10(length) - 1
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(lo+n.Int64(), 10), nil
}

// Verify compares in constant time. An empty expected code never matches.
func Verify(expected, got string) bool {
	if expected == "" || len(expected) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
