// Package sessionstore persists the identity session on disk, encrypted with
// a key derived from a passphrase, so CLI invocations share one sign-in.
package sessionstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ansoraGROUP/rlslab/internal/identity"
	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 310_000

// FileStore implements identity.Store on a single file holding
// salt:iv:authTag:ciphertext (all hex) of the JSON-encoded session.
type FileStore struct {
	path       string
	passphrase string
	iterations int

	mu sync.Mutex
}

var _ identity.Store = (*FileStore)(nil)

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase, iterations: pbkdf2Iterations}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) (*identity.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	plaintext, err := decrypt(strings.TrimSpace(string(raw)), f.passphrase, f.iterations)
	if err != nil {
		return nil, fmt.Errorf("decrypt session file: %w", err)
	}

	var sess identity.Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return &sess, nil
}

func (f *FileStore) Save(ctx context.Context, s *identity.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	plaintext, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	sealed, err := encrypt(plaintext, f.passphrase, f.iterations)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (f *FileStore) Remove(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// ---------- Encryption ----------

// encrypt seals plaintext with AES-256-GCM under a PBKDF2-derived key.
func encrypt(plaintext []byte, passphrase string, iterations int) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt, iterations)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	// GCM appends the auth tag; it is stored as its own field.
	tagSize := gcm.Overhead()
	authTag := ciphertext[len(ciphertext)-tagSize:]
	encrypted := ciphertext[:len(ciphertext)-tagSize]

	return fmt.Sprintf("%s:%s:%s:%s",
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(authTag),
		hex.EncodeToString(encrypted),
	), nil
}

func decrypt(sealed, passphrase string, iterations int) ([]byte, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid encrypted format")
	}

	var fields [4][]byte
	names := [4]string{"salt", "IV", "auth tag", "ciphertext"}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", names[i], err)
		}
		fields[i] = b
	}
	salt, iv, authTag, encrypted := fields[0], fields[1], fields[2], fields[3]

	gcm, err := newGCM(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, append(encrypted, authTag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
