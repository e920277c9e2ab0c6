// Package auth issues and verifies the per-user access tokens embedded in
// playlist URLs.
package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidToken is returned for malformed tokens and bad digests.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrUnknownUser is returned for users outside the allow-list.
	ErrUnknownUser = errors.New("auth: unknown user")
)

// Issuer creates tokens of the form "<user>-<hex digest(user+salt)>".
type Issuer struct {
	salt           string
	allowAnonymous bool
	users          map[string]bool
	nextAnonymous  atomic.Int64
}

// NewIssuer creates an issuer. Anonymous ids are numeric and start from the
// current time in milliseconds so they do not repeat across restarts.
func NewIssuer(salt string, allowAnonymous bool, users []string) *Issuer {
	is := &Issuer{
		salt:           salt,
		allowAnonymous: allowAnonymous,
		users:          make(map[string]bool, len(users)),
	}
	for _, u := range users {
		is.users[u] = true
	}
	is.nextAnonymous.Store(time.Now().UnixMilli())
	return is
}

// Issue returns a token for user. An empty user gets a fresh anonymous id
// when anonymous access is enabled.
func (is *Issuer) Issue(user string) (string, error) {
	if user == "" {
		if !is.allowAnonymous {
			return "", ErrUnknownUser
		}
		user = strconv.FormatInt(is.nextAnonymous.Add(1), 10)
	} else if !is.allowed(user) {
		return "", ErrUnknownUser
	}
	return user + "-" + is.digest(user), nil
}

// Verify checks a token by recomputing its digest and returns the user id.
func (is *Issuer) Verify(token string) (string, error) {
	i := strings.LastIndexByte(token, '-')
	if i <= 0 || i == len(token)-1 {
		return "", ErrInvalidToken
	}
	user, sum := token[:i], token[i+1:]
	if subtle.ConstantTimeCompare([]byte(sum), []byte(is.digest(user))) != 1 {
		return "", ErrInvalidToken
	}
	if !is.allowed(user) {
		return "", ErrUnknownUser
	}
	return user, nil
}

func (is *Issuer) allowed(user string) bool {
	return is.allowAnonymous || is.users[user]
}

func (is *Issuer) digest(user string) string {
	sum := blake2b.Sum256([]byte(user + is.salt))
	return hex.EncodeToString(sum[:16])
}
