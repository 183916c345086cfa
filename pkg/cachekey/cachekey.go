// Package cachekey derives the content-addressed keys used throughout the
// crawler: the cache key identifying a fetched resource on disk, the short
// key used to assign it to a bucket, and the sharded path under which its
// two cache files live.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Length is the number of hex characters in a cache key: the first 16
	// bytes of a SHA-256 digest, hex-encoded.
	Length = 32

	// shortKeyChars is the number of leading hex characters used to derive
	// the short key.
	shortKeyChars = 8
)

// ErrInvalidKey is returned when a string is not a well-formed cache key.
var ErrInvalidKey = errors.New("cachekey: not a valid cache key")

// Derive returns the cache key for uri: the lowercase hex encoding of the
// first 16 bytes of SHA-256(uri with any "#fragment" removed).
func Derive(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		uri = uri[:i]
	}

	sum := sha256.Sum256([]byte(uri))

	return hex.EncodeToString(sum[:16])
}

// Valid reports whether key looks like a value Derive could have produced.
func Valid(key string) bool {
	if len(key) != Length {
		return false
	}

	for _, r := range key {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'f'

		if !isDigit && !isLower {
			return false
		}
	}

	return true
}

// ShortKey parses the first 8 hex characters of key as a uint32. It is used
// only to assign the key to a bucket.
func ShortKey(key string) (uint32, error) {
	if !Valid(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	v, err := strconv.ParseUint(key[:shortKeyChars], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("cachekey: error parsing short key from %q: %w", key, err)
	}

	return uint32(v), nil
}

// Bucket returns the 1..n bucket assigned to short by modulo sharding. n
// must be a positive partition width; a non-positive n is a caller bug.
func Bucket(short uint32, n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cachekey: Bucket called with non-positive partition width %d", n))
	}

	return int(short%uint32(n)) + 1 //nolint:gosec
}

// ShardPath returns the path of the cache file for key under base, with the
// given suffix ("json" or "payload"), optionally the temporary write target
// of that file.
//
// Layout: <base>/<key[0:2]>/<key[2:4]>/<key>.<suffix>[.tmp]
func ShardPath(base, key, suffix string, tmp bool) string {
	name := key + "." + suffix
	if tmp {
		name += ".tmp"
	}

	return filepath.Join(base, key[0:2], key[2:4], name)
}
