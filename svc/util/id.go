package util

import (
	"crypto/rand"
	"math/big"
	"sharezone/pkg/domain"

	"github.com/pkg/errors"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// shareIDBytes gives 128 bits of entropy per share identifier, enough that
// enumeration stays infeasible even for shares with no expiry.
const (
	shareIDBytes = 16
	shareIDLen   = 22
)

// GenShareID mints an opaque share identifier and checks it against the
// store for collisions. Collisions are astronomically unlikely at this
// length; the retry loop exists so an exhausted entropy pool or a dirty
// database cannot mint a duplicate.
func GenShareID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < 5; retry++ {
		buf := make([]byte, shareIDBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.Wrap(domain.ErrIDGenerationFailed, "id collision after 5 retries")
}

func toBase62(num *big.Int) string {
	if num.Sign() == 0 {
		return string(base62Chars[0])
	}
	base := big.NewInt(62)
	result := make([]byte, 0, shareIDLen)
	zero := big.NewInt(0)
	temp := new(big.Int).Set(num)
	for temp.Cmp(zero) > 0 {
		mod := new(big.Int)
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < shareIDLen {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
