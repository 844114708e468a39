package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
)

// IdempotencyKey derives the stable key of a request: a SHA-256 over the
// operation, target and RFC 8785 canonical form of the payload. Key order
// and whitespace in the payload do not change the key.
func IdempotencyKey(req EnqueueRequest) (string, error) {
	canonical, err := jcs.Transform(req.Payload)
	if err != nil {
		return "", fmt.Errorf("payload is not canonicalizable JSON: %w", err)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", req.Operation, req.Provider, req.ActorID)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
