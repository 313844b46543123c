// Package handle generates participant handles.
package handle

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Length of a participant handle. Handles are unique within a room and
// stable for the room's lifetime.
const Length = 10

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// New returns a fresh URL-safe handle from a cryptographic RNG.
func New() (string, error) {
	h, err := gonanoid.Generate(alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("generate handle: %w", err)
	}
	return h, nil
}
