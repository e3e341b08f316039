// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"crypto/rand"
	"crypto/subtle"
	"os/user"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/golang-auth/go-sspi"
)

// DefaultRealm is the realm of the process-wide directory.
const DefaultRealm = "SSPI.LOCAL"

// Argon2id parameters for deriving long-term keys from passwords.
const (
	keyTime    = 1
	keyMemory  = 19 * 1024
	keyThreads = 1
	keyLen     = 32
)

var defaultDirectory = NewDirectory(DefaultRealm)

// DefaultDirectory returns the directory used by providers created without
// WithDirectory, including the one registered with the sspi package.
func DefaultDirectory() *Directory {
	return defaultDirectory
}

// Directory maps principal names in one realm to their long-term keys.  It
// is safe for concurrent use.
type Directory struct {
	realm string

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewDirectory returns an empty directory for realm.
func NewDirectory(realm string) *Directory {
	return &Directory{
		realm: strings.ToUpper(realm),
		keys:  map[string][]byte{},
	}
}

// Realm returns the directory's realm.
func (d *Directory) Realm() string {
	return d.realm
}

// Canonical qualifies name with the directory's realm if it has none and
// upper-cases the realm part.
func (d *Directory) Canonical(name string) string {
	local, realm, ok := strings.Cut(name, "@")
	if !ok || realm == "" {
		realm = d.realm
	}

	return local + "@" + strings.ToUpper(realm)
}

// DeriveKey derives the long-term key of principal from its password.
func DeriveKey(principal, password string) []byte {
	return argon2.IDKey([]byte(password), []byte(principal), keyTime, keyMemory, keyThreads, keyLen)
}

// AddPrincipal sets the password of a principal, adding it if necessary,
// and returns the canonical name.
func (d *Directory) AddPrincipal(name, password string) string {
	name = d.Canonical(name)
	key := DeriveKey(name, password)

	d.mu.Lock()
	d.keys[name] = key
	d.mu.Unlock()

	return name
}

// Enroll adds a principal with a random key if it is not already present.
// Such a principal can only be used through the ambient logon.
func (d *Directory) Enroll(name string) (string, error) {
	name = d.Canonical(name)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.keys[name]; ok {
		return name, nil
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	d.keys[name] = key

	return name, nil
}

// Remove deletes a principal.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	delete(d.keys, d.Canonical(name))
	d.mu.Unlock()
}

// Principals returns the canonical names in the directory, sorted.
func (d *Directory) Principals() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.keys))
	for name := range d.keys {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// key returns a copy of the principal's key.
func (d *Directory) key(name string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	k, ok := d.keys[d.Canonical(name)]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), k...), true
}

func (d *Directory) logon(id sspi.AuthIdentity) (string, []byte, error) {
	name := d.Canonical(id.Principal())

	key, ok := d.key(name)
	if !ok {
		return "", nil, sspi.Errorf(sspi.StatusUnknownCredentials, "principal %s is not known in realm %s", name, d.realm)
	}

	if subtle.ConstantTimeCompare(key, DeriveKey(name, id.Password)) != 1 {
		return "", nil, sspi.Errorf(sspi.StatusLogonDenied, "incorrect password for %s", name)
	}

	return name, key, nil
}

func (d *Directory) logonCurrentUser() (string, []byte, error) {
	u, err := user.Current()
	if err != nil {
		return "", nil, sspi.Errorf(sspi.StatusNoCredentials, "cannot determine the current user: %w", err)
	}

	// DOMAIN\user on Windows
	username := u.Username
	if i := strings.LastIndexByte(username, '\\'); i >= 0 {
		username = username[i+1:]
	}

	name, err := d.Enroll(username)
	if err != nil {
		return "", nil, sspi.Errorf(sspi.StatusInternalError, "cannot create a key for %s: %w", username, err)
	}

	key, _ := d.key(name)
	return name, key, nil
}

// realmOf returns the realm part of a canonical principal name.
func realmOf(principal string) string {
	_, realm, _ := strings.Cut(principal, "@")
	return realm
}
