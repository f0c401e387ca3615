package uid

import "testing"

func TestDeterministic(t *testing.T) {
	a := Deterministic("bot-1/730/asset-9")
	if a != Deterministic("bot-1/730/asset-9") {
		t.Fatalf("same name must give the same id")
	}
	if a == Deterministic("bot-1/730/asset-10") {
		t.Fatalf("different names must give different ids")
	}
	if !IsValid(a) {
		t.Fatalf("%q is not a valid uuid", a)
	}
}
