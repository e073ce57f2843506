package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/phuslu/log"
)

const redacted = "[redacted]"

var (
	ErrCredentialsMissing = errors.New("credentials missing")
	ErrCredentialsInvalid = errors.New("credentials invalid")
)

// Credentials is the upstream account session material. It is never printed:
// String, GoString and MarshalObject all redact it.
type Credentials struct {
	material []byte
}

func (c *Credentials) String() string {
	return redacted
}

func (c *Credentials) GoString() string {
	return redacted
}

func (c *Credentials) MarshalObject(e *log.Entry) {
	e.Str("credentials", redacted)
}

// Material returns a copy of the raw session material for a LocationProvider.
func (c *Credentials) Material() []byte {
	b := make([]byte, len(c.material))
	copy(b, c.material)
	return b
}

// Load reads the secrets file. A path that cannot be read or parsed yields
// ErrCredentialsMissing; parseable material without the required session fields
// yields ErrCredentialsInvalid. Neither error carries file contents.
func Load(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrCredentialsMissing, path)
		}
		return nil, fmt.Errorf("%w: %s is not readable", ErrCredentialsMissing, path)
	}
	return Parse(b, path)
}

// Parse validates raw session material. source only labels errors.
func Parse(b []byte, source string) (*Credentials, error) {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s is not parseable", ErrCredentialsMissing, source)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a JSON object", ErrCredentialsInvalid, source)
	}
	for _, key := range []string{"username", "aas_token"} {
		if err := requireString(obj, key, source); err != nil {
			return nil, err
		}
	}

	c := &Credentials{}
	c.material = make([]byte, len(b))
	copy(c.material, b)
	return c, nil
}

func requireString(obj map[string]interface{}, key string, source string) error {
	v, ok := obj[key]
	if !ok {
		return fmt.Errorf("%w: %s has no %q field", ErrCredentialsInvalid, source, key)
	}
	if s, ok := v.(string); !ok || s == "" {
		return fmt.Errorf("%w: %s field %q must be a non-empty string", ErrCredentialsInvalid, source, key)
	}
	return nil
}

// Store owns the credentials for the lifetime of the process. They are loaded
// once and never refreshed: an upstream auth failure fails the cycle and the
// next tick retries with the same material.
type Store struct {
	mu    sync.RWMutex
	path  string
	creds *Credentials
	log   log.Logger
}

func NewStore(path string) *Store {
	s := &Store{path: path}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "credential").Value()
	return s
}

func (s *Store) Load() (*Credentials, error) {
	c, err := Load(s.path)
	if err != nil {
		s.log.Error().Err(err).Str("secrets_path", s.path).Msg("unable to load credentials")
		return nil, err
	}
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
	s.log.Info().Str("secrets_path", s.path).EmbedObject(c).Msg("credentials loaded")
	return c, nil
}

// Credentials returns the loaded credentials, or nil before Load succeeded.
func (s *Store) Credentials() *Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}
