// Package vault implements the CredentialVault: an at-rest-encrypted
// store of provider API keys, keyed by opaque id.
//
// The on-disk format is a flat file of length-prefixed records, each
// live record independently AEAD-sealed with XChaCha20-Poly1305
// (tombstones are not sealed). The master key
// passed to Open is stretched through HKDF-SHA256 into the 32-byte AEAD
// key, so operators can supply any sufficiently long passphrase rather
// than raw key bytes. File locking follows the same flock-based
// exclusive-lock pattern as the rest of this repository's on-disk
// stores.
package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/aperture-ai/aperture-gateway/internal/storage"
	"github.com/aperture-ai/aperture-gateway/pkg/types"
)

// MinMasterKeyLength is the minimum length of a usable master key
//.
const MinMasterKeyLength = 32

var (
	// ErrDisabled is returned by Put/Get when the vault was opened
	// without a master key.
	ErrDisabled = errors.New("vault: disabled (no master key configured)")
	// ErrNotFound is returned by Get/Delete for an unknown or
	// tombstoned id.
	ErrNotFound = errors.New("vault: credential not found")
	// ErrCorrupt is returned when a record fails AEAD authentication
	// — the vault never silently skips a corrupt record.
	ErrCorrupt = errors.New("vault: corrupt or tampered record")
)

type record struct {
	id        string
	provider  types.ProviderKey
	label     string
	createdAt int64
	plaintext []byte // nil for a tombstone
}

// Vault is the CredentialVault. It holds the entire decrypted record
// index in memory and rewrites the file on every mutation; this keeps
// the on-disk format dead simple (a single compacting rewrite instead
// of an append log with replay), which fits the "each record
// independently keyed" record model while avoiding unbounded file
// growth from repeated rewrites of the same id.
type Vault struct {
	mu      sync.Mutex
	path    string
	aead    func([]byte, []byte, []byte) ([]byte, error) // seal(nonce, plaintext, aad) -> ciphertext (nil aead == disabled)
	open    func([]byte, []byte, []byte) ([]byte, error) // open(nonce, ciphertext, aad) -> plaintext
	key     []byte
	records []*record
	lock    *storage.FileLock
}

// Open opens (or creates) the vault file at path. If masterKey is
// shorter than MinMasterKeyLength the vault is returned in disabled
// mode: Put/Get fail with ErrDisabled (only inline keys work upstream),
// without a key, Put and Get fail. A missing file
// is treated as an empty vault; a present-but-corrupt file is a fatal
// error at Open time, never degraded to "no vault".
func Open(path string, masterKey string) (*Vault, error) {
	v := &Vault{path: path, lock: storage.NewFileLock(path)}

	if len(masterKey) < MinMasterKeyLength {
		return v, nil
	}

	hk := hkdf.New(sha256.New, []byte(masterKey), nil, []byte("aperture-gateway-credential-vault"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	v.key = key

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: constructing AEAD: %w", err)
	}
	v.aead = func(nonce, plaintext, aad []byte) ([]byte, error) {
		return aead.Seal(nil, nonce, plaintext, aad), nil
	}
	v.open = func(nonce, ciphertext, aad []byte) ([]byte, error) {
		return aead.Open(nil, nonce, ciphertext, aad)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("vault: reading %s: %w", path, err)
	}

	records, err := v.decodeAll(data)
	if err != nil {
		// Wrong master key or a tampered file: fatal.
		return nil, err
	}
	v.records = records
	return v, nil
}

// Enabled reports whether a usable master key was supplied to Open.
func (v *Vault) Enabled() bool {
	return v.aead != nil
}

const (
	nonceSize    = chacha20poly1305.NonceSizeX
	deletedFlag  = 1
	presentFlag  = 0
)

func (v *Vault) decodeAll(data []byte) ([]*record, error) {
	var out []*record
	r := bytes.NewReader(data)
	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: reading length prefix: %v", ErrCorrupt, err)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: short record: %v", ErrCorrupt, err)
		}
		if len(buf) < 1+nonceSize {
			return nil, fmt.Errorf("%w: truncated record header", ErrCorrupt)
		}
		flag := buf[0]
		nonce := buf[1 : 1+nonceSize]
		ciphertext := buf[1+nonceSize:]

		if flag == deletedFlag {
			var idLen uint32
			if len(ciphertext) < 4 {
				return nil, fmt.Errorf("%w: truncated tombstone", ErrCorrupt)
			}
			idLen = binary.BigEndian.Uint32(ciphertext[:4])
			if uint32(len(ciphertext)) < 4+idLen {
				return nil, fmt.Errorf("%w: truncated tombstone id", ErrCorrupt)
			}
			out = append(out, &record{id: string(ciphertext[4 : 4+idLen])})
			continue
		}

		plaintext, err := v.open(nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		rec, err := decodeRecordBody(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeRecordBody parses the length-prefixed field layout of a
// decrypted record: id, provider, label, createdAt(int64), plaintext key.
func decodeRecordBody(b []byte) (*record, error) {
	r := bytes.NewReader(b)
	readStr := func() (string, error) {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	id, err := readStr()
	if err != nil {
		return nil, err
	}
	provider, err := readStr()
	if err != nil {
		return nil, err
	}
	label, err := readStr()
	if err != nil {
		return nil, err
	}
	var createdAt int64
	if err := binary.Read(r, binary.BigEndian, &createdAt); err != nil {
		return nil, err
	}
	key, err := readStr()
	if err != nil {
		return nil, err
	}
	return &record{id: id, provider: types.ProviderKey(provider), label: label, createdAt: createdAt, plaintext: []byte(key)}, nil
}

func encodeRecordBody(rec *record) []byte {
	var buf bytes.Buffer
	writeStr := func(s string) {
		binary.Write(&buf, binary.BigEndian, uint32(len(s)))
		buf.WriteString(s)
	}
	writeStr(rec.id)
	writeStr(string(rec.provider))
	writeStr(rec.label)
	binary.Write(&buf, binary.BigEndian, rec.createdAt)
	writeStr(string(rec.plaintext))
	return buf.Bytes()
}

// Put encrypts and stores a new credential under the caller-supplied
// id. It does not generate or return an id itself.
func (v *Vault) Put(id string, provider types.ProviderKey, label, plaintextKey string, now int64) error {
	if !v.Enabled() {
		return ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec := &record{id: id, provider: provider, label: label, createdAt: now, plaintext: []byte(plaintextKey)}
	v.records = append(v.records, rec)
	return v.flushLocked()
}

// Get decrypts and returns the resolved credential for id. It is the
// only Vault operation that returns plaintext, and is intended to be
// called only by the SessionManager during session creation.
func (v *Vault) Get(id string) (*types.ResolvedCredential, error) {
	if !v.Enabled() {
		return nil, ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec := v.findLocked(id)
	if rec == nil || rec.plaintext == nil {
		return nil, ErrNotFound
	}
	return &types.ResolvedCredential{Provider: rec.provider, APIKey: string(rec.plaintext)}, nil
}

// List returns metadata for every non-deleted credential. Plaintext
// never appears here.
func (v *Vault) List() []types.Credential {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]types.Credential, 0, len(v.records))
	for _, rec := range v.records {
		if rec.plaintext == nil {
			continue
		}
		out = append(out, types.Credential{ID: rec.id, Provider: rec.provider, Label: rec.label, CreatedAt: rec.createdAt})
	}
	return out
}

// Delete tombstones id. A tombstoned id is never reused and never
// reappears in List.
func (v *Vault) Delete(id string) error {
	if !v.Enabled() {
		return ErrDisabled
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec := v.findLocked(id)
	if rec == nil || rec.plaintext == nil {
		return ErrNotFound
	}
	rec.plaintext = nil
	return v.flushLocked()
}

func (v *Vault) findLocked(id string) *record {
	for _, rec := range v.records {
		if rec.id == id {
			return rec
		}
	}
	return nil
}

// flushLocked rewrites the entire vault file. Callers must hold v.mu.
func (v *Vault) flushLocked() error {
	if err := v.lock.Lock(); err != nil {
		return fmt.Errorf("vault: acquiring lock: %w", err)
	}
	defer v.lock.Unlock()

	var out bytes.Buffer
	for _, rec := range v.records {
		var body []byte
		var flag byte
		if rec.plaintext == nil {
			flag = deletedFlag
			var idBuf bytes.Buffer
			binary.Write(&idBuf, binary.BigEndian, uint32(len(rec.id)))
			idBuf.WriteString(rec.id)
			body = idBuf.Bytes()
		} else {
			flag = presentFlag
			body = encodeRecordBody(rec)
		}

		nonce := make([]byte, nonceSize)
		if flag == presentFlag {
			if _, err := rand.Read(nonce); err != nil {
				return fmt.Errorf("vault: generating nonce: %w", err)
			}
			sealed, err := v.aead(nonce, body, nil)
			if err != nil {
				return fmt.Errorf("vault: sealing record: %w", err)
			}
			body = sealed
		} else {
			// Tombstones carry the length-prefixed id in cleartext
			// after a random, unused nonce, so deletion never
			// requires decrypting anything; the flag byte alone
			// distinguishes them.
			if _, err := rand.Read(nonce); err != nil {
				return fmt.Errorf("vault: generating nonce: %w", err)
			}
		}

		rawRecord := append([]byte{flag}, nonce...)
		rawRecord = append(rawRecord, body...)

		if err := binary.Write(&out, binary.BigEndian, uint32(len(rawRecord))); err != nil {
			return err
		}
		out.Write(rawRecord)
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0600); err != nil {
		return fmt.Errorf("vault: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("vault: renaming temp file: %w", err)
	}
	return nil
}
