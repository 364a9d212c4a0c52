// Package vault stores versioned, envelope-encrypted tool credentials.
// Each credential gets a random data-encryption key; the DEK is wrapped
// by an HKDF subkey of the process KEK, salted with the credential id,
// so no two credentials share a wrapping key.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/repository"
)

const (
	envelopeVersion = "v1"
	dekSize         = 32
)

// ErrOpen is the single error surfaced for any envelope failure, so the
// caller cannot distinguish a bad KEK from a corrupted blob.
var ErrOpen = errors.New("vault: failed to open envelope")

// Vault encrypts credentials with the process KEK and persists them
// through the repository's credential seam.
type Vault struct {
	store  repository.CredentialStore
	kek    []byte
	logger *log.Logger
	nowFn  func() time.Time
}

// New creates a vault. kek must be 32 bytes.
func New(store repository.CredentialStore, kek []byte) (*Vault, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("vault: KEK must be 32 bytes, got %d", len(kek))
	}
	return &Vault{
		store:  store,
		kek:    kek,
		logger: log.New(log.Writer(), "[Vault] ", log.LstdFlags),
		nowFn:  time.Now,
	}, nil
}

// Create seals plaintext (and optional metadata) and stores an inactive
// credential version for the tool.
func (v *Vault) Create(ctx context.Context, tool, version string, plaintext, metadata []byte) (*repository.ToolCredential, error) {
	if tool == "" || version == "" {
		return nil, gateway.E(gateway.KindValidation, "tool and version are required")
	}
	if len(plaintext) == 0 {
		return nil, gateway.E(gateway.KindValidation, "credential plaintext is empty")
	}

	id := uuid.New().String()
	sealed, err := v.seal(id, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credential: %w", err)
	}

	cred := &repository.ToolCredential{
		ID:                  id,
		Tool:                tool,
		Version:             version,
		EncryptedCredential: sealed,
		CreatedAt:           v.nowFn(),
	}
	if len(metadata) > 0 {
		sealedMeta, err := v.seal(id, metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to seal metadata: %w", err)
		}
		cred.EncryptedMetadata = sealedMeta
	}

	if err := v.store.CreateCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	v.logger.Printf("created credential %s for tool %s version %s", id, tool, version)
	return cred, nil
}

// Activate makes the credential the single active version for its tool.
// The repository performs the swap transactionally.
func (v *Vault) Activate(ctx context.Context, id string) error {
	if err := v.store.ActivateCredential(ctx, id, v.nowFn()); err != nil {
		if err == repository.ErrNotFound {
			return gateway.E(gateway.KindCredNotFound, "credential %s not found", id)
		}
		return fmt.Errorf("failed to activate credential: %w", err)
	}
	v.logger.Printf("activated credential %s", id)
	return nil
}

// GetActive decrypts and returns the plaintext of the tool's active
// credential.
func (v *Vault) GetActive(ctx context.Context, tool string) ([]byte, error) {
	cred, err := v.store.GetActiveCredential(ctx, tool)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, gateway.E(gateway.KindCredNotFound, "no active credential for tool %s", tool)
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	plaintext, err := v.open(cred.ID, cred.EncryptedCredential)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindCryptoDecrypt, err, "credential envelope failed to open")
	}
	return plaintext, nil
}

// Delete removes a credential version. The active version is protected:
// it can only be deleted with force, to keep the tool from silently
// losing its credentials.
func (v *Vault) Delete(ctx context.Context, id string, force bool) error {
	cred, err := v.store.GetCredential(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return gateway.E(gateway.KindCredNotFound, "credential %s not found", id)
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if cred.IsActive && !force {
		return gateway.E(gateway.KindValidation, "credential %s is active; activate a successor first", id)
	}
	if err := v.store.DeleteCredential(ctx, id); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	v.logger.Printf("deleted credential %s", id)
	return nil
}

// List returns the stored versions for a tool, ciphertext included.
func (v *Vault) List(ctx context.Context, tool string) ([]*repository.ToolCredential, error) {
	return v.store.ListCredentials(ctx, tool)
}

// ============================================================================
// ENVELOPE — v1: base64( "v1" || nonce || AES-256-GCM(subkey, DEK) || nonce || AES-256-GCM(DEK, plaintext) )
// ============================================================================

// seal wraps a fresh DEK under the credential's subkey and seals the
// plaintext under the DEK.
func (v *Vault) seal(credentialID string, plaintext []byte) (string, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return "", err
	}

	subkey, err := v.subkey(credentialID)
	if err != nil {
		return "", err
	}
	wrappedDEK, err := gcmSeal(subkey, dek)
	if err != nil {
		return "", err
	}
	sealedPayload, err := gcmSeal(dek, plaintext)
	if err != nil {
		return "", err
	}

	blob := append([]byte(envelopeVersion), wrappedDEK...)
	blob = append(blob, sealedPayload...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// open reverses seal. Every failure collapses to ErrOpen.
func (v *Vault) open(credentialID, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrOpen
	}
	if len(blob) < len(envelopeVersion) || string(blob[:len(envelopeVersion)]) != envelopeVersion {
		return nil, ErrOpen
	}
	blob = blob[len(envelopeVersion):]

	// Wrapped DEK is nonce(12) + DEK(32) + tag(16).
	wrappedLen := 12 + dekSize + 16
	if len(blob) < wrappedLen {
		return nil, ErrOpen
	}

	subkey, err := v.subkey(credentialID)
	if err != nil {
		return nil, ErrOpen
	}
	dek, err := gcmOpen(subkey, blob[:wrappedLen])
	if err != nil {
		return nil, ErrOpen
	}
	plaintext, err := gcmOpen(dek, blob[wrappedLen:])
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// subkey derives the per-credential wrapping key from the KEK.
func (v *Vault) subkey(credentialID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, v.kek, []byte(credentialID), []byte("credential-wrap-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrOpen
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
}
