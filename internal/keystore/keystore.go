package keystore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// FileName is the key file inside the keystore directory.
const FileName = "chain.key"

const fileVersion = 1

var (
	ErrExists          = errors.New("key file already exists")
	ErrNoKey           = errors.New("no key file")
	ErrWrongPassword   = &types.Category{Kind: types.ErrAuthorization, Err: errors.New("wrong password")}
	ErrCorrupt         = errors.New("key file corrupt")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// keyFile is the on-disk JSON format. The seed is sealed rather than the
// derived key so the file can re-derive other accounts.
type keyFile struct {
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	ChainID   types.ChainID `json:"dc_id"`
	PublicKey string        `json:"public_key"`
	Account   uint32        `json:"account"`
	Seed      *sealed       `json:"seed"`
}

// Keystore holds one chain key file.
type Keystore struct {
	path string
}

// Open returns a keystore for dir/chain.key, creating the directory.
func Open(dir string) (*Keystore, error) {
	return OpenPath(filepath.Join(dir, FileName))
}

// OpenPath returns a keystore for the key file at path.
func OpenPath(path string) (*Keystore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{path: path}, nil
}

// Path returns the key file path.
func (ks *Keystore) Path() string {
	return ks.path
}

// Exists reports whether a key file is present.
func (ks *Keystore) Exists() bool {
	_, err := os.Stat(ks.Path())
	return err == nil
}

// Create seals seed under password and writes the key file. It returns the
// chain id of the derived key.
func (ks *Keystore) Create(seed []byte, account uint32, password []byte, p KDFParams) (types.ChainID, error) {
	if ks.Exists() {
		return "", ErrExists
	}
	key, err := DeriveChainKey(seed, account)
	if err != nil {
		return "", err
	}
	defer key.Zero()

	kf := &keyFile{
		Version:   fileVersion,
		CreatedAt: time.Now().UTC(),
		ChainID:   key.ChainID(),
		PublicKey: hex.EncodeToString(key.PublicKey()),
		Account:   account,
	}
	if kf.Seed, err = seal(seed, password, []byte(kf.ChainID), p); err != nil {
		return "", err
	}
	if err := ks.write(kf); err != nil {
		return "", err
	}
	return kf.ChainID, nil
}

// Import derives the seed from a mnemonic and creates the key file.
func (ks *Keystore) Import(mnemonic, passphrase string, account uint32, password []byte, p KDFParams) (types.ChainID, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return "", err
	}
	defer zero(seed)
	return ks.Create(seed, account, password, p)
}

// Unlock decrypts the seed and re-derives the chain key. The derived key
// must match the public key recorded in the file.
func (ks *Keystore) Unlock(password []byte) (*crypto.PrivateKey, error) {
	kf, err := ks.read()
	if err != nil {
		return nil, err
	}
	seed, err := kf.Seed.open(password, []byte(kf.ChainID))
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	key, err := DeriveChainKey(seed, kf.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if hex.EncodeToString(key.PublicKey()) != kf.PublicKey {
		key.Zero()
		return nil, fmt.Errorf("%w: derived key does not match %s", ErrCorrupt, kf.ChainID)
	}
	return key, nil
}

// ChainID reads the chain id without unlocking.
func (ks *Keystore) ChainID() (types.ChainID, error) {
	kf, err := ks.read()
	if err != nil {
		return "", err
	}
	return kf.ChainID, nil
}

// ChangePassword re-seals the seed under a new password and fresh salt.
func (ks *Keystore) ChangePassword(oldPassword, newPassword []byte, p KDFParams) error {
	kf, err := ks.read()
	if err != nil {
		return err
	}
	seed, err := kf.Seed.open(oldPassword, []byte(kf.ChainID))
	if err != nil {
		return err
	}
	defer zero(seed)

	if kf.Seed, err = seal(seed, newPassword, []byte(kf.ChainID), p); err != nil {
		return err
	}
	return ks.write(kf)
}

// write replaces the key file atomically.
func (ks *Keystore) write(kf *keyFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	tmp := ks.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, ks.Path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func (ks *Keystore) read() (*keyFile, error) {
	data, err := os.ReadFile(ks.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", kf.Version)
	}
	if kf.Seed == nil || kf.ChainID == "" {
		return nil, fmt.Errorf("%w: missing fields", ErrCorrupt)
	}
	return &kf, nil
}
