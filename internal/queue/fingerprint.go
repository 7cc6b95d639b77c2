package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Fingerprint computes the streamed SHA-256 digest of r as lowercase
// hex. It never buffers the whole content, so arbitrarily large files
// hash in constant memory. The digest is a dedup key, not a security
// boundary.
func Fingerprint(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintFile hashes the file at path.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Fingerprint(f)
}
