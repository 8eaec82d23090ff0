// Package credential はアカウントの投稿用認証情報を暗号化して保存する。
//
// 暗号鍵は環境変数で与えるマスターシークレットからHKDFで導出し、データベースには保存しない。
// データベースのバックアップだけが漏洩しても認証情報は復号できない。
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const encryptedPrefix = "enc:v1:"

// minMasterKeyLen はマスターシークレットの最小バイト長。
const minMasterKeyLen = 32

// ErrInvalidCiphertext は保存値が暗号文として解釈できないことを示す。
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Cipher はAES-256-GCMで認証情報を暗号化・復号する。並行利用に対して安全。
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher はマスターシークレットから認証情報用の鍵を導出してCipherを生成する。
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("credential encryption key must be at least %d bytes", minMasterKeyLen)
	}

	reader := hkdf.New(sha256.New, masterKey, []byte("postpilot-credential-store"), []byte("publish-token"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("鍵の導出に失敗しました: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("暗号器の生成に失敗しました: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("暗号器の生成に失敗しました: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt は平文を暗号化して保存用文字列を返す。
// accountIDは追加認証データとして暗号文に束縛され、別アカウントの行に移した暗号文は復号できない。
func (c *Cipher) Encrypt(accountID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(accountID))
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt はEncryptで生成した保存用文字列を復号する。空文字列は空文字列を返す。
func (c *Cipher) Decrypt(accountID, stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return "", ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(accountID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plaintext), nil
}
