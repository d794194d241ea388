package session

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrKeyNotFound is returned when a keystore has no key for an id.
var ErrKeyNotFound = errors.New("session private key not found")

// Keystore holds session private keys. Keys never leave the authority.
type Keystore interface {
	Put(ctx context.Context, id string, key *ecdsa.PrivateKey) error
	Get(ctx context.Context, id string) (*ecdsa.PrivateKey, error)
	Delete(ctx context.Context, id string) error
}

// MemoryKeystore keeps keys in process memory.
type MemoryKeystore struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewMemoryKeystore creates an empty keystore.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keys: make(map[string]*ecdsa.PrivateKey)}
}

func (s *MemoryKeystore) Put(_ context.Context, id string, key *ecdsa.PrivateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = key
	return nil
}

func (s *MemoryKeystore) Get(_ context.Context, id string) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return k, nil
}

func (s *MemoryKeystore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

// BlobStore persists opaque ciphertext by id.
type BlobStore interface {
	PutBlob(ctx context.Context, id string, blob []byte) error
	// GetBlob returns ErrKeyNotFound for unknown ids.
	GetBlob(ctx context.Context, id string) ([]byte, error)
	DeleteBlob(ctx context.Context, id string) error
}

// MemoryBlobStore is an in-process BlobStore.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) PutBlob(_ context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryBlobStore) GetBlob(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryBlobStore) DeleteBlob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

// SealedKeystore encrypts each key to an age X25519 identity before it
// reaches the blob store.
type SealedKeystore struct {
	blobs    BlobStore
	identity *age.X25519Identity
}

// NewSealedKeystore parses an AGE-SECRET-KEY-1... identity.
func NewSealedKeystore(blobs BlobStore, identity string) (*SealedKeystore, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("invalid age identity: %w", err)
	}
	return &SealedKeystore{blobs: blobs, identity: id}, nil
}

func (s *SealedKeystore) Put(ctx context.Context, id string, key *ecdsa.PrivateKey) error {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := w.Write(crypto.FromECDSA(key)); err != nil {
		return fmt.Errorf("failed to encrypt key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish encryption: %w", err)
	}
	return s.blobs.PutBlob(ctx, id, buf.Bytes())
}

func (s *SealedKeystore) Get(ctx context.Context, id string) (*ecdsa.PrivateKey, error) {
	blob, err := s.blobs.GetBlob(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(blob), s.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key %s: %w", id, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", id, err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt key %s: %w", id, err)
	}
	return key, nil
}

func (s *SealedKeystore) Delete(ctx context.Context, id string) error {
	return s.blobs.DeleteBlob(ctx, id)
}
