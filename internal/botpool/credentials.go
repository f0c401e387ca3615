package botpool

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"escrow-engine/internal/tradenet"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const saltSize = 16

// ErrBadCredentials is returned when sealed credentials cannot be opened.
var ErrBadCredentials = errors.New("cannot open bot credentials")

// BotConfig is one entry of the bots file.
type BotConfig struct {
	ID          string `json:"id"`
	AccountName string `json:"account_name"`
	TradeURL    string `json:"trade_url"`
	// Salt is the base64 key derivation salt for this entry.
	Salt string `json:"salt"`
	// Credentials is base64(nonce || secretbox(json(tradenet.Credentials))).
	Credentials string `json:"credentials"`
}

// LoadBotsFile reads bot definitions from a JSON array file.
func LoadBotsFile(path string) ([]BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bots file: %w", err)
	}
	var bots []BotConfig
	if err := json.Unmarshal(data, &bots); err != nil {
		return nil, fmt.Errorf("parse bots file: %w", err)
	}
	seen := make(map[string]bool, len(bots))
	for _, b := range bots {
		if b.ID == "" {
			return nil, fmt.Errorf("bots file: entry without id")
		}
		if b.Salt == "" {
			return nil, fmt.Errorf("bots file: %q has no salt, reseal it", b.ID)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("bots file: duplicate id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return bots, nil
}

// NewSalt returns a fresh random salt for DeriveKey.
func NewSalt() (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveKey stretches a configured passphrase into a secretbox key with
// Argon2id.
func DeriveKey(passphrase, salt string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || len(raw) < saltSize {
		return nil, fmt.Errorf("%w: invalid salt", ErrBadCredentials)
	}
	var k [32]byte
	copy(k[:], argon2.IDKey([]byte(passphrase), raw, 1, 64*1024, 4, 32))
	return &k, nil
}

// Seal encrypts credentials for storage in the bots file.
func Seal(creds tradenet.Credentials, key *[32]byte) (string, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, key)
	return base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts credentials sealed by Seal.
func Open(sealed string, key *[32]byte) (tradenet.Credentials, error) {
	var creds tradenet.Credentials

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return creds, ErrBadCredentials
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plain, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return creds, ErrBadCredentials
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	return creds, nil
}
