package push

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
)

// vapidFile is the on-disk shape of vapid.json: the server's VAPID
// identity key pair, stored as the raw 32-byte scalar so it can be
// reconstructed without a PEM/ASN.1 round trip, matching the encoding
// daaku-webpush and the Chirm push handler both use on the wire.
type vapidFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func loadOrGenerateVAPID(baseDir string) (*ecdsa.PrivateKey, string, error) {
	path := filepath.Join(baseDir, "vapid.json")

	if data, err := os.ReadFile(path); err == nil {
		var vf vapidFile
		if err := json.Unmarshal(data, &vf); err != nil {
			return nil, "", fmt.Errorf("push: parse vapid.json: %w", err)
		}
		priv, pub, err := decodeVAPID(vf)
		if err != nil {
			return nil, "", fmt.Errorf("push: decode vapid.json: %w", err)
		}
		return priv, pub, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("push: read vapid.json: %w", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("push: generate vapid key: %w", err)
	}

	privBytes := leftPad(priv.D.Bytes(), 32)
	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)

	vf := vapidFile{
		PrivateKey: base64.RawURLEncoding.EncodeToString(privBytes),
		PublicKey:  base64.RawURLEncoding.EncodeToString(pubBytes),
	}
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("push: marshal vapid.json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, "", fmt.Errorf("push: write vapid.json: %w", err)
	}

	return priv, vf.PublicKey, nil
}

func decodeVAPID(vf vapidFile) (*ecdsa.PrivateKey, string, error) {
	privBytes, err := base64.RawURLEncoding.DecodeString(vf.PrivateKey)
	if err != nil || len(privBytes) != 32 {
		return nil, "", fmt.Errorf("invalid private key encoding")
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(privBytes)
	x, y := curve.ScalarBaseMult(privBytes)
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	return priv, vf.PublicKey, nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
