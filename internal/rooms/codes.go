package rooms

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/pkg/errors"

	"roomdrop/internal/domain"
)

const (
	minCode = 100000
	maxCode = 999999
)

// CodeSource produces candidate join codes. Uniqueness is checked by the
// Manager, not the source.
type CodeSource interface {
	NextCode() (string, error)
}

// CodeFunc adapts a function to CodeSource.
type CodeFunc func() (string, error)

func (f CodeFunc) NextCode() (string, error) { return f() }

// RandomCodes draws uniformly from 100000..999999.
type RandomCodes struct{}

func (RandomCodes) NextCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return "", errors.Wrap(err, "read random code")
	}
	return fmt.Sprintf("%0*d", domain.RoomCodeLength, n.Int64()+minCode), nil
}

// ValidCode reports whether code has the join-code shape.
func ValidCode(code string) bool {
	if len(code) != domain.RoomCodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
