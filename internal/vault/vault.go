// Package vault keeps repository credentials in a password protected file.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/openmined/syftkeep/internal/stream"
	"github.com/spf13/afero"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrLocked            = errors.New("vault is locked")
	ErrAlreadyExists     = errors.New("vault already exists")
	ErrNotExisting       = errors.New("vault does not exist")
)

type State int

const (
	NotInitialized State = iota
	NotExisting
	Locked
	Unlocked
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "NotInitialized"
	case NotExisting:
		return "NotExisting"
	case Locked:
		return "Locked"
	case Unlocked:
		return "Unlocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Credentials unlock one S3 repository.
type Credentials struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
}

// Data is the sealed payload, keyed by repository URI.
type Data struct {
	Credentials map[string]Credentials `json:"credentials"`
}

type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

var defaultKDF = kdfParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// envelope is the file format.
type envelope struct {
	Version int       `json:"version"`
	KDF     kdfParams `json:"kdf"`
	Salt    []byte    `json:"salt"`
	Nonce   []byte    `json:"nonce"`
	Box     []byte    `json:"box"`
}

type Vault struct {
	fs   afero.Fs
	path string
	kdf  kdfParams

	// mu guards every field below and serializes file writes
	mu    sync.Mutex
	state State
	key   *[32]byte
	salt  []byte
	data  Data

	states *stream.Var[State]
}

type Option func(*Vault)

// WithKDF sets the argon2id cost used for new vaults.
func WithKDF(time, memoryKiB uint32, threads uint8) Option {
	return func(v *Vault) {
		v.kdf = kdfParams{Time: time, Memory: memoryKiB, Threads: threads}
	}
}

func New(afs afero.Fs, path string, opts ...Option) *Vault {
	v := &Vault{
		fs:     afs,
		path:   path,
		kdf:    defaultKDF,
		states: stream.NewVar(NotInitialized),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Vault) setState(s State) {
	v.state = s
	v.states.Set(s)
}

// initialize settles NotInitialized into NotExisting or Locked. Callers hold mu.
func (v *Vault) initialize() {
	if v.state != NotInitialized {
		return
	}
	if _, err := v.fs.Stat(v.path); errors.Is(err, fs.ErrNotExist) {
		v.setState(NotExisting)
	} else {
		v.setState(Locked)
	}
}

func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialize()
	return v.state
}

func (v *Vault) StateStream() stream.Observable[State] {
	v.State()
	return v.states
}

func deriveKey(password string, salt []byte, p kdfParams) *[32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, 32))
	return &key
}

func (v *Vault) Create(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialize()

	if v.state != NotExisting {
		return ErrAlreadyExists
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key := deriveKey(password, salt, v.kdf)
	data := Data{Credentials: map[string]Credentials{}}
	if err := v.write(key, salt, v.kdf, data); err != nil {
		return err
	}

	v.key, v.salt, v.data = key, salt, data
	v.setState(Unlocked)
	slog.Info("vault created", "path", v.path)
	return nil
}

func (v *Vault) read() (*envelope, error) {
	raw, err := afero.ReadFile(v.fs, v.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExisting
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	if len(env.Nonce) != 24 {
		return nil, errors.New("parse vault: bad nonce")
	}
	return &env, nil
}

func open(env *envelope, key *[32]byte) (Data, error) {
	var nonce [24]byte
	copy(nonce[:], env.Nonce)
	plain, ok := secretbox.Open(nil, env.Box, &nonce, key)
	if !ok {
		return Data{}, ErrIncorrectPassword
	}
	var data Data
	if err := json.Unmarshal(plain, &data); err != nil {
		return Data{}, fmt.Errorf("parse vault payload: %w", err)
	}
	if data.Credentials == nil {
		data.Credentials = map[string]Credentials{}
	}
	return data, nil
}

func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialize()

	env, err := v.read()
	if err != nil {
		return err
	}
	key := deriveKey(password, env.Salt, env.KDF)
	data, err := open(env, key)
	if err != nil {
		return err
	}

	v.key, v.salt, v.data, v.kdf = key, env.Salt, data, env.KDF
	v.setState(Unlocked)
	return nil
}

func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialize()

	if v.state != Unlocked {
		return
	}
	v.key, v.data = nil, Data{}
	v.setState(Locked)
}

func (v *Vault) Get() (Data, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialize()

	if v.state != Unlocked {
		return Data{}, ErrLocked
	}
	return v.data.clone(), nil
}

// Update re-reads the file so changes of another process are not lost.
func (v *Vault) Update(transform func(Data) Data) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initialize()

	if v.state != Unlocked {
		return ErrLocked
	}
	env, err := v.read()
	if err != nil {
		return err
	}
	current, err := open(env, v.key)
	if err != nil {
		// the password was changed by someone else
		return err
	}

	next := transform(current.clone())
	if err := v.write(v.key, v.salt, v.kdf, next); err != nil {
		return err
	}
	v.data = next
	v.setState(Unlocked)
	return nil
}

func (v *Vault) Credentials(uri string) (Credentials, bool, error) {
	data, err := v.Get()
	if err != nil {
		return Credentials{}, false, err
	}
	c, ok := data.Credentials[uri]
	return c, ok, nil
}

func (v *Vault) PutCredentials(uri string, c Credentials) error {
	return v.Update(func(d Data) Data {
		d.Credentials[uri] = c
		return d
	})
}

func (v *Vault) write(key *[32]byte, salt []byte, kdf kdfParams, data Data) error {
	plain, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{
		Version: 1,
		KDF:     kdf,
		Salt:    salt,
		Nonce:   nonce[:],
		Box:     secretbox.Seal(nil, plain, &nonce, key),
	})
	if err != nil {
		return err
	}

	if err := v.fs.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := afero.WriteFile(v.fs, tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := v.fs.Rename(tmp, v.path); err != nil {
		v.fs.Remove(tmp)
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

func (d Data) clone() Data {
	out := Data{Credentials: make(map[string]Credentials, len(d.Credentials))}
	for k, c := range d.Credentials {
		out.Credentials[k] = c
	}
	return out
}
