package ledgerhash

import (
	"context"
	"testing"
	"time"
)

func TestHashDeterministic(t *testing.T) {
	a := Hash("hello")
	b := Hash("hello")
	if a != b {
		t.Fatalf("Hash not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("Hash length = %d, want 64", len(a))
	}
}

func TestHashDiffersOnInput(t *testing.T) {
	if Hash("a") == Hash("b") {
		t.Fatal("Hash(\"a\") == Hash(\"b\")")
	}
}

func TestPowOK(t *testing.T) {
	cases := []struct {
		h    string
		want bool
	}{
		{"aaaaaaaa0", true},
		{"aaaaaaaa1", true},
		{"aaaaaaaa2", true},
		{"aaaaaaaa3", true},
		{"aaaaaaaa4", true},
		{"aaaaaaaa5", false},
		{"aaaaaaaaf", false},
		{"", false},
	}
	for _, c := range cases {
		if got := PowOK(c.h); got != c.want {
			t.Errorf("PowOK(%q) = %v, want %v", c.h, got, c.want)
		}
	}
}

func TestPowHexExcludesPrevHash(t *testing.T) {
	h1 := PowHex("1", "2", 30, "nonce0001")
	h2 := Hash("1" + "2" + "30" + "nonce0001")
	if h1 != h2 {
		t.Fatalf("PowHex = %q, want %q", h1, h2)
	}
}

func TestMineFindsValidNonce(t *testing.T) {
	nonce, err := Mine(context.Background(), "1", "2", 30)
	if err != nil {
		t.Fatalf("Mine: unexpected error: %v", err)
	}
	if len(nonce) != nonceLen {
		t.Fatalf("Mine: nonce length = %d, want %d", len(nonce), nonceLen)
	}
	if !PowOK(PowHex("1", "2", 30, nonce)) {
		t.Fatalf("Mine: nonce %q does not satisfy PoW", nonce)
	}
}

func TestMineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Give the cancelled context a moment to be observed on the first loop
	// iteration regardless of scheduler timing.
	time.Sleep(time.Millisecond)
	_, err := Mine(ctx, "1", "2", 30)
	if err != context.Canceled {
		t.Fatalf("Mine: err = %v, want context.Canceled", err)
	}
}
