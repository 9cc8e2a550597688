package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/ocmt/backend/internal/errdefs"
)

// FileVersion is the current vault file format version. Unknown versions are
// refused outright rather than upgraded in place.
const FileVersion = 1

// AEAD algorithms. New vaults are sealed with XChaCha20-Poly1305; AES-256-GCM
// files written by earlier versions remain readable.
const (
	AlgXChaCha20 = "xchacha20-poly1305"
	AlgAESGCM    = "aes-256-gcm"
)

// KDF algorithms. New vaults derive with Argon2id; scrypt files remain
// readable.
const (
	KDFArgon2id = "argon2id"
	KDFScrypt   = "scrypt"
)

const (
	keyLen  = 32
	saltLen = 32
	tagLen  = 16

	argonMemoryKiB   = 64 * 1024
	argonIterations  = 3
	argonParallelism = 4
	scryptN          = 32768
	scryptR          = 8
	scryptP          = 1
)

// KDFParams records how the vault key is derived from the password. The salt
// is per-vault; the cost parameters are pinned at write time so old files
// keep unlocking after defaults change.
type KDFParams struct {
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"` // base64

	// scrypt
	N int `json:"n,omitempty"`
	R int `json:"r,omitempty"`
	P int `json:"p,omitempty"`

	// argon2id
	MemoryKiB   uint32 `json:"memory,omitempty"`
	Iterations  uint32 `json:"iterations,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// File is the on-disk representation of a sealed vault (§ vault file format).
type File struct {
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	KDF        KDFParams `json:"kdf"`
	Nonce      string    `json:"nonce"`      // base64
	Ciphertext string    `json:"ciphertext"` // base64, tag split out
	Tag        string    `json:"tag"`        // base64, 16 bytes
}

// newKDFParams creates Argon2id parameters with a fresh random salt.
func newKDFParams() (KDFParams, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("generate salt: %w", err)
	}
	return KDFParams{
		Algorithm:   KDFArgon2id,
		Salt:        base64.StdEncoding.EncodeToString(salt),
		MemoryKiB:   argonMemoryKiB,
		Iterations:  argonIterations,
		Parallelism: argonParallelism,
	}, nil
}

// deriveKey runs the KDF named in the params. Intentionally slow; callers
// keep it off latency-sensitive paths.
func deriveKey(password string, p KDFParams) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(p.Salt)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "kdf salt is not valid base64")
	}
	switch p.Algorithm {
	case KDFArgon2id:
		mem, it, par := p.MemoryKiB, p.Iterations, p.Parallelism
		if mem == 0 {
			mem = argonMemoryKiB
		}
		if it == 0 {
			it = argonIterations
		}
		if par == 0 {
			par = argonParallelism
		}
		return argon2.IDKey([]byte(password), salt, it, mem, par, keyLen), nil
	case KDFScrypt:
		n, r, pp := p.N, p.R, p.P
		if n == 0 {
			n = scryptN
		}
		if r == 0 {
			r = scryptR
		}
		if pp == 0 {
			pp = scryptP
		}
		key, err := scrypt.Key([]byte(password), salt, n, r, pp, keyLen)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	default:
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "unknown kdf algorithm %q", p.Algorithm)
	}
}

// newAEAD builds the cipher for an algorithm name.
func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case AlgXChaCha20:
		return chacha20poly1305.NewX(key)
	case AlgAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "unknown aead algorithm %q", algorithm)
	}
}

// sealRecord encrypts a plaintext record into a File with a fresh nonce.
func sealRecord(key, plaintext []byte, kdf KDFParams, algorithm string) (*File, error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return &File{
		Version:    FileVersion,
		Algorithm:  algorithm,
		KDF:        kdf,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// openRecord authenticates and decrypts a File. A wrong key fails cleanly
// with invalid_password and no partial plaintext escapes.
func openRecord(key []byte, f *File) ([]byte, error) {
	aead, err := newAEAD(f.Algorithm, key)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "vault nonce is not valid base64")
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "vault nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	ct, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "vault ciphertext is not valid base64")
	}
	tag, err := base64.StdEncoding.DecodeString(f.Tag)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "vault tag is not valid base64")
	}
	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, errdefs.New(errdefs.KindInvalidPassword, "vault decryption failed")
	}
	return plaintext, nil
}

// loadFile parses a vault file and enforces the version gate.
func loadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrap(errdefs.KindNotFound, err, "vault file does not exist")
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "vault file is not valid JSON")
	}
	if f.Version != FileVersion {
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "unsupported vault file version %d", f.Version)
	}
	return &f, nil
}

// atomicWrite lands the file via a same-directory temp file and rename so a
// crash never leaves a truncated vault.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}

// zeroBytes overwrites key material before releasing it.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
