package store

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewRunID returns a fresh opaque run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return "ses_" + uuid.New().String()
}

// NewRunnerID derives a deterministic runner identity from its host
// environment so a restarted runner reconnects under the same id instead of
// registering as a new one.
func NewRunnerID(hostname, projectDir, executorProfile string) string {
	sum := sha256.Sum256([]byte(hostname + projectDir + executorProfile))
	return "lnch_" + hex.EncodeToString(sum[:])[:12]
}
