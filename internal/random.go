package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

const familyIDSize = 32

// NewFamilyID returns a fresh opaque family identifier with 32 bytes of
// entropy, base64url encoded without padding. Family IDs are never reused;
// a revoked family leaves no record behind to collide with.
func NewFamilyID() (string, error) {
	var raw [familyIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// ValidateFamilyID checks that an identifier decoded from an inbound
// credential has the expected shape before it is used as a store key.
func ValidateFamilyID(id string) error {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return err
	}
	if len(raw) != familyIDSize {
		return errors.New("invalid family id size")
	}
	return nil
}
