package credential

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postpilot/internal/clock"
	"github.com/hitoshi/postpilot/internal/model"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

// mockCredentialRepo はCredentialRepositoryのモック。
type mockCredentialRepo struct {
	rows map[string]*model.EncryptedCredential

	findErr error
}

func newMockCredentialRepo() *mockCredentialRepo {
	return &mockCredentialRepo{rows: make(map[string]*model.EncryptedCredential)}
}

func (m *mockCredentialRepo) FindByAccountID(_ context.Context, accountID string) (*model.EncryptedCredential, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.rows[accountID], nil
}

func (m *mockCredentialRepo) Upsert(_ context.Context, cred *model.EncryptedCredential) error {
	m.rows[cred.AccountID] = cred
	return nil
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testMasterKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestNewCipher_RejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Error("短すぎる鍵はエラーになるべき")
	}
}

func TestCipher_RoundTripAndFormat(t *testing.T) {
	c := newTestCipher(t)

	stored, err := c.Encrypt("acc-1", "secret-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(stored, "enc:v1:") {
		t.Errorf("保存値は enc:v1: で始まるべき: %q", stored)
	}
	if strings.Contains(stored, "secret-token") {
		t.Error("保存値に平文が含まれてはいけない")
	}

	plain, err := c.Decrypt("acc-1", stored)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "secret-token" {
		t.Errorf("Decrypt = %q, want %q", plain, "secret-token")
	}
}

func TestCipher_CiphertextIsBoundToAccount(t *testing.T) {
	c := newTestCipher(t)
	stored, _ := c.Encrypt("acc-1", "secret-token")

	if _, err := c.Decrypt("acc-2", stored); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("別アカウントとしての復号は失敗するべき, got %v", err)
	}
}

func TestCipher_RejectsPlaintextAndWrongKey(t *testing.T) {
	c := newTestCipher(t)
	if _, err := c.Decrypt("acc-1", "plain-token"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("接頭辞のない値は拒否されるべき, got %v", err)
	}

	stored, _ := c.Encrypt("acc-1", "secret-token")
	other, err := NewCipher([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if _, err := other.Decrypt("acc-1", stored); err == nil {
		t.Error("異なる鍵では復号できないべき")
	}
}

func TestStore_PutThenGet(t *testing.T) {
	repo := newMockCredentialRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(repo, newTestCipher(t), clock.NewFake(now))
	ctx := context.Background()

	expires := now.Add(time.Hour)
	err := store.Put(ctx, "acc-1", model.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    &expires,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	row := repo.rows["acc-1"]
	if row == nil || strings.Contains(row.AccessToken, "access") {
		t.Fatalf("暗号化された値が保存されるべき: %+v", row)
	}
	if !row.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", row.UpdatedAt, now)
	}

	cred, err := store.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cred.AccessToken.Reveal() != "access" || cred.RefreshToken.Reveal() != "refresh" {
		t.Errorf("復号結果が一致しない: %q %q", cred.AccessToken.Reveal(), cred.RefreshToken.Reveal())
	}
	if cred.ExpiresAt == nil || !cred.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, expires)
	}
}

func TestStore_GetAbsent(t *testing.T) {
	store := NewStore(newMockCredentialRepo(), newTestCipher(t), nil)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("未登録の場合は ErrNotFound を返すべき, got %v", err)
	}
}

func TestStore_GetPropagatesRepositoryError(t *testing.T) {
	repo := newMockCredentialRepo()
	repo.findErr = errors.New("connection refused")
	store := NewStore(repo, newTestCipher(t), nil)

	_, err := store.Get(context.Background(), "acc-1")
	if err == nil || errors.Is(err, model.ErrNotFound) {
		t.Errorf("リポジトリのエラーは未登録と区別されるべき, got %v", err)
	}
}
