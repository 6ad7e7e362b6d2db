package keyutil

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	fingerprintVersion    = 0
	fingerprintIterations = 5200
)

// Fingerprint derives a 60-digit numeric safety number from two
// identities. Each side contributes a 30-digit half computed from its
// own serialized public key and stable identifier; the halves are
// sorted so both parties render the same string.
func Fingerprint(localID string, localKey []byte, remoteID string, remoteKey []byte) (string, error) {
	local, err := fingerprintHalf(localID, localKey)
	if err != nil {
		return "", err
	}
	remote, err := fingerprintHalf(remoteID, remoteKey)
	if err != nil {
		return "", err
	}

	halves := []string{local, remote}
	if halves[0] > halves[1] {
		halves[0], halves[1] = halves[1], halves[0]
	}
	return halves[0] + halves[1], nil
}

// FormatFingerprint groups a fingerprint into 5-digit blocks for
// display.
func FormatFingerprint(fp string) string {
	var blocks []string
	for i := 0; i+5 <= len(fp); i += 5 {
		blocks = append(blocks, fp[i:i+5])
	}
	return strings.Join(blocks, " ")
}

func fingerprintHalf(id string, key []byte) (string, error) {
	if err := ValidatePublicKey(key); err != nil {
		return "", err
	}

	version := []byte{0, fingerprintVersion}
	hash := make([]byte, 0, sha512.Size)
	hash = append(hash, version...)
	hash = append(hash, key...)
	hash = append(hash, id...)

	for i := 0; i < fingerprintIterations; i++ {
		h := sha512.New()
		h.Write(hash)
		h.Write(key)
		hash = h.Sum(hash[:0])
	}

	var sb strings.Builder
	for i := 0; i < 30; i += 5 {
		chunk := binary.BigEndian.Uint64(hash[i : i+8]) >> 24 // 40 bits
		fmt.Fprintf(&sb, "%05d", chunk%100000)
	}
	return sb.String(), nil
}
