package utils

import "testing"

func TestHashStringIsDeterministic(t *testing.T) {
	a := HashString("select * from sales")
	b := HashString("select * from sales")
	if a != b {
		t.Fatalf("got=%q and %q, want identical hashes for identical input", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("got=%d hex chars want=32 for an md5 digest", len(a))
	}
}

func TestHashStringDiffersByInput(t *testing.T) {
	if HashString("a") == HashString("b") {
		t.Fatalf("distinct inputs must not collide in this small sample")
	}
}
