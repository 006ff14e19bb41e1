package secret

import "testing"

const testKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func TestRoundTrip(t *testing.T) {
	c, err := NewAESGCM(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	blob, err := c.Encrypt("trader-12345:hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if blob == "trader-12345:hunter2" {
		t.Fatal("blob equals plaintext")
	}

	plain, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "trader-12345:hunter2" {
		t.Errorf("plain = %q", plain)
	}
}

func TestNoncesDiffer(t *testing.T) {
	c, err := NewAESGCM(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("expected distinct ciphertexts for the same plaintext")
	}
}

func TestBadKey(t *testing.T) {
	if _, err := NewAESGCM("not-hex"); err == nil {
		t.Error("expected error for invalid hex key")
	}
	if _, err := NewAESGCM("aabb"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestTamperedBlob(t *testing.T) {
	c, err := NewAESGCM(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	blob, _ := c.Encrypt("creds")
	if _, err := c.Decrypt("x" + blob[1:]); err == nil {
		t.Error("expected error for tampered blob")
	}
	if _, err := c.Decrypt("!!!"); err == nil {
		t.Error("expected error for non-base64 blob")
	}
}
