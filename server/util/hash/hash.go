package hash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/buildbuddy-io/contentcache/server/interfaces"
	"github.com/buildbuddy-io/contentcache/server/util/status"
)

func String(input string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(input)))
}

// MD5 returns the lowercase hex MD5 digest of input.
func MD5(input string) string {
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

type md5Hasher struct{}

func (md5Hasher) Hash(key string) string { return MD5(key) }
func (md5Hasher) HashSizeInChars() int   { return 2 * md5.Size }

type sha256Hasher struct{}

func (sha256Hasher) Hash(key string) string { return String(key) }
func (sha256Hasher) HashSizeInChars() int   { return 2 * sha256.Size }

// MD5Hasher is the default key hasher for on-disk caches. Collision
// resistance is needed in practice, cryptographic strength is not.
func MD5Hasher() interfaces.Hasher { return md5Hasher{} }

func SHA256Hasher() interfaces.Hasher { return sha256Hasher{} }

// HasherByName returns the hasher configured as "md5" or "sha256".
func HasherByName(name string) (interfaces.Hasher, error) {
	switch strings.ToLower(name) {
	case "", "md5":
		return MD5Hasher(), nil
	case "sha256":
		return SHA256Hasher(), nil
	default:
		return nil, status.InvalidArgumentErrorf("unknown key hash %q (want md5 or sha256)", name)
	}
}
