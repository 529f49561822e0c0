package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params are the KDF tuning parameters embedded in every hash this
// package produces. They can be tightened over time; existing hashes keep
// the parameters they were created with, encoded in the PHC string.
var argon2Params = struct {
	memory  uint32
	time    uint32
	threads uint8
	saltLen uint32
	keyLen  uint32
}{
	memory:  65536,
	time:    3,
	threads: 4,
	saltLen: 16,
	keyLen:  32,
}

var errMalformedHash = errors.New("auth: malformed argon2id hash")

// hashPassword returns a PHC-formatted argon2id hash string, e.g.
// "$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>".
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2Params.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Params.memory, argon2Params.time, argon2Params.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyPassword checks password against an argon2id PHC hash string,
// re-deriving a key with the parameters embedded in the hash (so upgrading
// argon2Params does not invalidate existing rows).
func verifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, errMalformedHash
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errMalformedHash
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
