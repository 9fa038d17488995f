package store

import "testing"

func TestCustomerLockKeyIsStable(t *testing.T) {
	a := customerLockKey("cus_1")
	b := customerLockKey("cus_1")
	if a != b {
		t.Fatalf("expected stable lock key for the same customer, got %d and %d", a, b)
	}
}

func TestCustomerLockKeyDistinguishesCustomers(t *testing.T) {
	// Not a collision-resistance proof, just a guard against a degenerate hash
	// that would serialize unrelated customers on one lock.
	keys := map[int64]string{}
	for _, id := range []string{"cus_1", "cus_2", "cus_3", "user_2349ab", "user_2349ac", ""} {
		key := customerLockKey(id)
		if prev, dup := keys[key]; dup {
			t.Fatalf("lock key collision between %q and %q", prev, id)
		}
		keys[key] = id
	}
}
