package crypto

import (
	"testing"

	"trades-engine/internal/market"
)

// 测试专用私钥，不持有任何资产。
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignTxVerifies(t *testing.T) {
	s, err := NewSigner(testKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	signed, err := s.SignTx(market.UnsignedTx{Payload: []byte("swap payload")})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if len(signed.Signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(signed.Signature))
	}
	if signed.Signer != s.Address() {
		t.Fatalf("signer = %s, want %s", signed.Signer, s.Address())
	}
	if !Verify(signed) {
		t.Fatalf("signature should verify")
	}

	signed.Payload = []byte("tampered")
	if Verify(signed) {
		t.Fatalf("tampered payload must not verify")
	}
}

func TestSignerRejectsBadInput(t *testing.T) {
	if _, err := NewSigner(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewSigner("zz"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
	s, _ := NewSigner(testKey)
	if _, err := s.SignTx(market.UnsignedTx{}); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}
