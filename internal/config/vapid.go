package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
)

// generateVAPIDKeys produces a fresh P-256 keypair in the encoding web push
// expects: an uncompressed 65-byte public point and the raw 32-byte private
// scalar, both base64url without padding.
func generateVAPIDKeys() *VAPIDKeys {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	privateKey.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	privateKey.PublicKey.Y.FillBytes(publicKeyBytes[33:65])

	privateKeyBytes := make([]byte, 32)
	privateKey.D.FillBytes(privateKeyBytes)

	return &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicKeyBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateKeyBytes),
	}
}
