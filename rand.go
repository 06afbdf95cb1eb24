package ice

import (
	"crypto/rand"
	"encoding/binary"
)

// Credential length defaults (spec §6). Implementers MAY increase these to
// the RFC 5245 minimums (4/22); we default past them already.
const (
	defaultUfragLen = 8
	defaultPwdLen   = 32

	minUfragLen = 4
	minPwdLen   = 22

	maxUfragLen = 256
	maxPwdLen   = 256
)

const ufragPwdAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

// randomCredentialString returns a cryptographically random, printable ASCII
// string of the given length, suitable for an ICE ufrag or password.
func randomCredentialString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, there is no safe way to generate credentials.
		logAgent.Panicf("ice: crypto/rand failed: %s", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = ufragPwdAlphabet[int(b)%len(ufragPwdAlphabet)]
	}
	return string(out)
}

// randomTieBreaker returns a random 64-bit integer, stable for the agent's
// lifetime once generated (spec §3 invariant).
func randomTieBreaker() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		logAgent.Panicf("ice: crypto/rand failed: %s", err)
	}
	return binary.BigEndian.Uint64(buf[:])
}

// randomTransactionID returns a random 96-bit STUN transaction ID.
func randomTransactionID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		logAgent.Panicf("ice: crypto/rand failed: %s", err)
	}
	return string(buf[:])
}
