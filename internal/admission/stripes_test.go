package admission

import "testing"

func TestStripeIndexStable(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "1", "42", "myapp"} {
		a, b := stripeIndex(key), stripeIndex(key)
		if a != b || a < 0 || a >= lockStripes {
			t.Fatalf("%q: unstable or out of range stripe %d/%d", key, a, b)
		}
	}
}

func TestKeyLocksSerializeSameKey(t *testing.T) {
	t.Parallel()

	var l keyLocks
	unlock := l.lock("user-1")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		l.lock("user-1")()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key must wait")
	default:
	}
	unlock()
	<-acquired
}

func TestStripeIndexUsesFNV1a(t *testing.T) {
	t.Parallel()

	// 32-bit FNV-1a: "" hashes to 0x811c9dc5, "a" to 0xe40c292c.
	tests := map[string]int{
		"":  0x811c9dc5 % lockStripes,
		"a": 0xe40c292c % lockStripes,
	}
	for key, want := range tests {
		if got := stripeIndex(key); got != want {
			t.Fatalf("stripeIndex(%q) = %d, want %d", key, got, want)
		}
	}
}
