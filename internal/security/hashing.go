package security

import "golang.org/x/crypto/bcrypt"

// Hasher wraps bcrypt for password storage. The comparison is constant time,
// so login failures take the same path for wrong passwords and unknown
// accounts.
type Hasher struct {
	cost int
}

// NewHasher clamps cost into bcrypt's valid range; cost 12 suits interactive
// login, tests drop to the minimum.
func NewHasher(cost int) *Hasher {
	switch {
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of password for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare reports via its error whether password matches the stored hash.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}
