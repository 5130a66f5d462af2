// Package crypto seals share tokens before they touch the audit store.
// The fernet key is generated on first use and kept in the settings table.
package crypto

import (
	"fmt"
	"time"

	"github.com/cloudtolocalllm/relay/internal/database"
	"github.com/fernet/fernet-go"
)

const keySetting = "fernet_key"

func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting(keySetting, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Seal encrypts and signs a secret for storage.
func Seal(plaintext string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return string(tok), nil
}

// Open decrypts a sealed secret. Sealed tokens do not expire.
func Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("open: invalid sealed token")
	}
	return string(msg), nil
}
