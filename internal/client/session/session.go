// Package session persists the credentials that survive restarts: the
// server address and the access/refresh token pair. The file is encrypted
// at rest with a key derived from the machine id, so a copied config
// directory is useless on another host.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Session struct {
	ServerURL    string `json:"server_url"`
	Username     string `json:"username"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func ConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "veia", profileName)
}

func encryptionKey() []byte {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	var id string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}

	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname
	}

	hash := sha256.Sum256([]byte(id))
	return hash[:]
}

func encrypt(data []byte) (string, error) {
	block, err := aes.NewCipher(encryptionKey())
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encryptionKey())
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Load reads the persisted session for a profile. A missing, unreadable or
// undecryptable file yields nil: the caller falls back to the login flow.
func Load(profileName string) *Session {
	configDir := ConfigDir(profileName)
	if configDir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(configDir, "session.json"))
	if err != nil {
		return nil
	}

	decrypted, err := decrypt(string(data))
	if err != nil {
		return nil
	}

	var sess Session
	if err := json.Unmarshal(decrypted, &sess); err != nil {
		return nil
	}
	return &sess
}

// Save writes the session for a profile, creating the config directory on
// first use.
func Save(profileName string, sess Session) error {
	configDir := ConfigDir(profileName)
	if configDir == "" {
		return fmt.Errorf("could not get config directory")
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "session.json"), []byte(encrypted), 0600)
}

// Clear removes the persisted session; used on logout and refresh failure.
func Clear(profileName string) {
	configDir := ConfigDir(profileName)
	if configDir != "" {
		os.Remove(filepath.Join(configDir, "session.json"))
	}
}
