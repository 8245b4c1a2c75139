package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// ErrWrongPassphrase is returned when a key file cannot be opened with the given passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase")

const (
	keyFileVersion = 1
	scryptN        = 1 << 15
	scryptR        = 8
	scryptP        = 1
)

// keyFile is the on-disk form of an encrypted identity.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SaveKeyFile writes the identity's private key to path, sealed with a key
// derived from passphrase. The address is stored in clear as associated data.
func SaveKeyFile(path string, id *Identity, passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, id.key.Serialize(), []byte(id.address))

	data, err := json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    id.address,
		KDF:        "scrypt",
		Salt:       hex.EncodeToString(salt),
		N:          scryptN,
		R:          scryptR,
		P:          scryptP,
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadKeyFile opens a key file written by SaveKeyFile.
func LoadKeyFile(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != keyFileVersion || kf.KDF != "scrypt" {
		return nil, fmt.Errorf("unsupported key file version %d (%s)", kf.Version, kf.KDF)
	}

	salt, err := hex.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := hex.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	key, err := scrypt.Key(passphrase, salt, kf.N, kf.R, kf.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	raw, err := aead.Open(nil, nonce, sealed, []byte(kf.Address))
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	id, err := FromString(hex.EncodeToString(raw))
	if err != nil {
		return nil, err
	}
	if id.address != kf.Address {
		return nil, fmt.Errorf("key file address mismatch: %s != %s", id.address, kf.Address)
	}
	return id, nil
}
