// Package registry holds the named credentials whose deal streams are
// relayed. The registry is shared between the websocket session goroutine and
// the admin API, so every operation takes the lock.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/M1keZulu/3Commas-Discord/sign"
)

var (
	// ErrConflict means a new credential collides with an existing one on
	// name, API key, or secret key.
	ErrConflict = errors.New("credential conflicts with an existing subscription")
	// ErrNotFound means no credential carries the requested name.
	ErrNotFound = errors.New("subscription not found")
)

// Credential authorizes access to one upstream account's deal stream. The
// secret key is only ever used as an HMAC key and must stay out of logs.
type Credential struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// LogValue keeps the key material out of log output.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(slog.String("name", c.Name))
}

// Registry is an insertion-ordered credential list. Order is preserved across
// Remove so listings stay stable for the operator.
type Registry struct {
	mu    sync.Mutex
	creds []Credential
}

func New() *Registry {
	return &Registry{}
}

// Register appends cred. Uniqueness is enforced across all three fields at
// once: sharing any single field with an existing entry is a conflict.
func (r *Registry) Register(cred Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.creds {
		if existing.Name == cred.Name || existing.APIKey == cred.APIKey || existing.SecretKey == cred.SecretKey {
			return ErrConflict
		}
	}
	r.creds = append(r.creds, cred)
	return nil
}

// Remove deletes the credential named name and returns it.
func (r *Registry) Remove(name string) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cred := range r.creds {
		if cred.Name == name {
			r.creds = append(r.creds[:i], r.creds[i+1:]...)
			return cred, nil
		}
	}
	return Credential{}, ErrNotFound
}

// FindBySignature attributes an inbound frame to a credential: a linear scan
// for the first entry whose API key matches and whose secret reproduces the
// presented signature over path. API keys are unique, so first match is the
// only match.
func (r *Registry) FindBySignature(apiKey, signature, path string) (Credential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.creds {
		if cred.APIKey == apiKey && sign.Verify(cred.SecretKey, path, signature) {
			return cred, true
		}
	}
	return Credential{}, false
}

// Names returns the subscription names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.creds))
	for i, cred := range r.creds {
		names[i] = cred.Name
	}
	return names
}

// Snapshot returns a copy of all credentials in registration order.
func (r *Registry) Snapshot() []Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Credential, len(r.creds))
	copy(out, r.creds)
	return out
}

// Len reports the number of registered credentials.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.creds)
}
