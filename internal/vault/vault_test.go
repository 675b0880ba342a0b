package vault

import (
	"errors"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestNewRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"empty", "", ErrKeyMissing},
		{"whitespace", "   \n", ErrKeyMissing},
		{"garbage", "not-a-key", ErrKeyMalformed},
		{"truncated", "AGE-SECRET-KEY-1ABC", ErrKeyMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("New(%q) error = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v := newTestVault(t)

	for _, plaintext := range []string{"", "tok", "ya29.a0AfH6_longish-access-token=="} {
		ct, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if strings.Contains(ct, plaintext) && plaintext != "" {
			t.Errorf("ciphertext contains plaintext %q", plaintext)
		}

		got, err := v.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("roundtrip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same-secret")
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.Encrypt("same-secret")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecryptCorrupt(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ct   string
	}{
		{"not base64", "!!!not base64!!!"},
		{"truncated", ct[:len(ct)/2]},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Decrypt(tt.ct); !errors.Is(err, ErrCredentialCorrupt) {
				t.Errorf("Decrypt error = %v, want ErrCredentialCorrupt", err)
			}
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a := newTestVault(t)
	b := newTestVault(t)

	ct, err := a.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrCredentialCorrupt) {
		t.Errorf("Decrypt under different key error = %v, want ErrCredentialCorrupt", err)
	}
}
