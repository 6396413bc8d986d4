package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/xela07ax/agentpay-core/internal/infra"
)

func TestNewValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	validPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"missing key", nil, true},
		{"garbage", []byte("not a pem"), true},
		{"valid key", validPEM, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewValidator(infra.AuthConfig{PublicKey: tt.key})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v == nil {
				t.Fatal("validator is nil")
			}
		})
	}
}

func TestNew_RequiresDatabaseURL(t *testing.T) {
	if _, err := New(t.Context(), &infra.Config{}, nil); err == nil {
		t.Fatal("expected error without database.url")
	}
}
