package state

import (
	"bytes"
	"testing"
)

func testSalt() []byte {
	salt := make([]byte, SaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	return salt
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := DeriveKey("correct horse battery staple", testSalt())
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	raw := []byte(`{"size":{"__value":1,"__sensitive":false}}`)
	enc, err := Encrypt(raw, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(enc, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("round trip mismatch: got %s, want %s", got, raw)
	}
}

func TestDecryptFailsUnderWrongKey(t *testing.T) {
	key1, _ := DeriveKey("passphrase-one", testSalt())
	key2, _ := DeriveKey("passphrase-two", testSalt())

	enc, err := Encrypt([]byte(`{"a":1}`), key1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(enc, key2); err == nil {
		t.Fatal("expected decryption under wrong key to fail")
	}
}

func TestDeriveKeyRejectsWrongSaltLength(t *testing.T) {
	if _, err := DeriveKey("x", []byte("too-short")); err == nil {
		t.Fatal("expected error for short salt")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	key, _ := DeriveKey("p", testSalt())
	enc, err := Encrypt([]byte(`{"a":1}`), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	s := Serialize(enc)
	got, err := Deserialize(s)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Nonce != enc.Nonce || !bytes.Equal(got.Ciphertext, enc.Ciphertext) {
		t.Fatalf("deserialize mismatch")
	}
}

func TestDeserializeRejectsMalformedForm(t *testing.T) {
	cases := []string{
		"no-underscore-here",
		"a_b_c",
		"####_####",
		"YQ==_YQ==", // valid base64 but wrong nonce length
	}
	for _, c := range cases {
		if _, err := Deserialize(c); err == nil {
			t.Errorf("Deserialize(%q) succeeded, want error", c)
		}
	}
}
