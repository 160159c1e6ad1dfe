package box

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	aPub, aPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	bPub, bPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	shared1, err := Precompute(bPub, aPriv)
	if err != nil {
		t.Fatalf("Precompute (a): %v", err)
	}
	shared2, err := Precompute(aPub, bPriv)
	if err != nil {
		t.Fatalf("Precompute (b): %v", err)
	}
	if shared1 != shared2 {
		t.Fatalf("precomputed shared keys differ between peers")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}

	plaintext := []byte("hello net_crypto")
	ciphertext := Seal(shared1, nonce, plaintext)
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatalf("ciphertext must not contain plaintext")
	}

	got, err := Open(shared2, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	aPub, aPriv, _ := GenerateKeyPair()
	bPub, bPriv, _ := GenerateKeyPair()
	shared1, _ := Precompute(bPub, aPriv)
	shared2, _ := Precompute(aPub, bPriv)
	nonce, _ := GenerateNonce()

	ciphertext := Seal(shared1, nonce, []byte("payload"))
	ciphertext[0] ^= 0xFF

	if _, err := Open(shared2, nonce, ciphertext); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestSealSymmetricRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, 32))
	nonce, _ := GenerateNonce()

	plaintext := []byte("cookie payload")
	ciphertext := SealSymmetric(key, nonce, plaintext)

	got, err := OpenSymmetric(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("OpenSymmetric: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}

	var otherKey [32]byte
	copy(otherKey[:], bytes.Repeat([]byte{0x24}, 32))
	if _, err := OpenSymmetric(otherKey, nonce, ciphertext); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt with wrong key, got %v", err)
	}
}

func TestIncrementNonceCarry(t *testing.T) {
	// The low 8 bytes are all 0xFF, so +1 must carry out of them into
	// the next higher-order byte.
	var n Nonce
	for i := NonceSize - 8; i < NonceSize; i++ {
		n[i] = 0xFF
	}

	out := IncrementNonce(n, 1)
	want := Nonce{}
	want[NonceSize-9] = 0x01
	if out != want {
		t.Fatalf("carry propagation mismatch: got %x want %x", out, want)
	}
}

func TestIncrementNonceWraps(t *testing.T) {
	var n Nonce
	for i := range n {
		n[i] = 0xFF
	}
	out := IncrementNonce(n, 1)
	if out != (Nonce{}) {
		t.Fatalf("expected wraparound to all-zero nonce, got %x", out)
	}
}

func TestIncrementNonceMatchesSequentialAdds(t *testing.T) {
	var n Nonce
	n[NonceSize-1] = 10

	viaK := IncrementNonce(n, 5)

	viaLoop := n
	for i := 0; i < 5; i++ {
		viaLoop = IncrementNonce(viaLoop, 1)
	}

	if viaK != viaLoop {
		t.Fatalf("IncrementNonce(n, 5) != 5x IncrementNonce(n, 1): %x vs %x", viaK, viaLoop)
	}
}

func TestHash256And512Deterministic(t *testing.T) {
	data := []byte("some data")
	if Hash256(data) != Hash256(data) {
		t.Fatalf("Hash256 not deterministic")
	}
	if Hash512(data) != Hash512(data) {
		t.Fatalf("Hash512 not deterministic")
	}
}

func TestPrecomputeRejectsDegenerateKey(t *testing.T) {
	// The low-order all-zero public key forces an all-zero shared secret
	// with any secret key, a small-subgroup attack surface.
	var lowOrder PublicKey
	_, priv, _ := GenerateKeyPair()
	if _, err := Precompute(lowOrder, priv); err == nil {
		t.Fatalf("expected Precompute to reject a degenerate shared secret")
	}
}
