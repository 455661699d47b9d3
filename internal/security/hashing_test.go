package security

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndCompare(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	hash, err := h.Hash([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := h.Compare(hash, []byte("correct horse battery staple")); err != nil {
		t.Errorf("Compare matching password: %v", err)
	}
	if err := h.Compare(hash, []byte("wrong password")); err == nil {
		t.Error("Compare accepted wrong password")
	}
}

func TestNewHasher_CostClamped(t *testing.T) {
	if h := NewHasher(0); h.cost != bcrypt.MinCost {
		t.Errorf("cost 0: got %d, want min %d", h.cost, bcrypt.MinCost)
	}
	if h := NewHasher(99); h.cost != bcrypt.MaxCost {
		t.Errorf("cost 99: got %d, want max %d", h.cost, bcrypt.MaxCost)
	}
}
