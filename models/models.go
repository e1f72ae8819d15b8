package models

import "time"

// NoAccountID marks an Account returned by a lookup that found nothing.
const NoAccountID int64 = -1

// HistorySize is how many message log entries the store retains.
const HistorySize = 20

type Account struct {
	ID                int64
	Login             string
	SecretFingerprint int32  // fingerprint of the raw secret, see auth.Fingerprint
	SecretHash        string // bcrypt hash; empty unless the bcrypt verifier is used
	SaltFingerprint   int32
	SessionToken      int32 // generated at registration, not used by any command
}

// Exists reports whether a is a stored account rather than a not-found marker.
func (a Account) Exists() bool {
	return a.ID != NoAccountID
}

type LogEntry struct {
	ID        int64
	Text      string
	CreatedAt time.Time
}
