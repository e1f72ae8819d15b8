// Package auth holds the account secret checks used by registration.
//
// The default verifier compares a 32-bit string fingerprint of the secret.
// That is NOT a password hash: it is trivially reversible by brute force and
// collides easily. It is kept because stored accounts carry fingerprints
// produced by the earlier server and because observable login behaviour
// depends on fingerprint equality. The bcrypt verifier is opt-in and changes
// that behaviour for new accounts.
package auth

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"unicode/utf16"

	"chatrelay/models"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnknownVerifier = errors.New("unknown secret verifier")

// Verifier names accepted by New.
const (
	VerifierFingerprint = "fingerprint"
	VerifierBcrypt      = "bcrypt"
)

// Fingerprint is the JDK String.hashCode of s: h = 31*h + c over the UTF-16
// code units, wrapping at 32 bits.
func Fingerprint(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(c)
	}
	return h
}

// Verifier seals a raw secret into a new account and checks login attempts
// against a stored one.
type Verifier interface {
	Seal(acct *models.Account, secret string) error
	Verify(acct models.Account, secret string) bool
}

// New returns the verifier registered under name.
func New(name string) (Verifier, error) {
	switch name {
	case "", VerifierFingerprint:
		return FingerprintVerifier{}, nil
	case VerifierBcrypt:
		return BcryptVerifier{Cost: bcrypt.DefaultCost}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerifier, name)
	}
}

// NewAccount builds an unsaved account for login. The salt fingerprint and
// session token come from a random value in [0, 100].
func NewAccount(v Verifier, login, secret string) (models.Account, error) {
	r := rand.Intn(101)
	acct := models.Account{
		ID:              models.NoAccountID,
		Login:           login,
		SaltFingerprint: Fingerprint(strconv.Itoa(r)),
		SessionToken:    int32(r),
	}
	if err := v.Seal(&acct, secret); err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

type FingerprintVerifier struct{}

func (FingerprintVerifier) Seal(acct *models.Account, secret string) error {
	acct.SecretFingerprint = Fingerprint(secret)
	return nil
}

func (FingerprintVerifier) Verify(acct models.Account, secret string) bool {
	return acct.SecretFingerprint == Fingerprint(secret)
}

// BcryptVerifier stores a bcrypt hash next to the fingerprint. Accounts
// created before it was enabled have no hash and are still checked by
// fingerprint.
type BcryptVerifier struct {
	Cost int
}

func (v BcryptVerifier) Seal(acct *models.Account, secret string) error {
	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	acct.SecretHash = string(hashed)
	acct.SecretFingerprint = Fingerprint(secret)
	return nil
}

func (v BcryptVerifier) Verify(acct models.Account, secret string) bool {
	if acct.SecretHash == "" {
		return FingerprintVerifier{}.Verify(acct, secret)
	}
	return bcrypt.CompareHashAndPassword([]byte(acct.SecretHash), []byte(secret)) == nil
}
