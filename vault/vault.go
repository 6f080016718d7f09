// Package vault keeps exchange credentials encrypted at rest.
//
// Every value is encrypted on its own, with a fresh IV, and stored as
// "hex(iv):hex(ciphertext)". Plaintext exists only in memory, in the maps
// returned by Credentials.
//
// Values without the separator were written before encryption was introduced:
// they are returned as they are, and only re-encrypted by an explicit Save.
// A value that fails to decrypt is returned raw, so that one corrupted field
// does not block the others; the adapter using it will fail its own checks.
package vault

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
)

// Options configure a Vault. The zero value is usable.
type Options struct {
	Salt   string
	Logger *log.Logger
	Now    func() time.Time
}

// Vault encrypts, persists and decrypts per exchange credentials.
type Vault struct {
	mu     sync.Mutex // single writer around read-modify-write of the store
	store  Store
	cipher *Cipher
	logger *log.Logger
	now    func() time.Time
}

// New returns a Vault on store, with a key derived from secret.
func New(store Store, secret string, opts Options) (*Vault, error) {
	c, err := NewCipher(secret, opts.Salt)
	if err != nil {
		return nil, hodl.Errorf(hodl.NotConfigured, "cannot open vault: %w", err)
	}
	v := &Vault{store: store, cipher: c, logger: opts.Logger, now: opts.Now}
	if v.logger == nil {
		v.logger = log.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Save encrypts and stores the credentials of exchange id, replacing any previous record.
func (v *Vault) Save(id string, credentials map[string]string) error {
	r := make(Record, len(credentials)+1)
	for field, value := range credentials {
		if field == LastUpdated {
			return fmt.Errorf("reserved credential field %q", field)
		}
		ct, err := v.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("cannot encrypt %s of %s: %w", field, id, err)
		}
		r[field] = ct
	}
	r[LastUpdated] = v.now().UTC().Format(time.RFC3339)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.Put(id, r); err != nil {
		return fmt.Errorf("cannot save credentials of %s: %w", id, err)
	}
	v.logger.Info("credentials saved", "exchange", id, "fields", len(credentials))
	return nil
}

// Credentials returns the decrypted credentials of exchange id.
// It fails with NotConfigured if none are stored.
func (v *Vault) Credentials(id string) (map[string]string, error) {
	r, ok, err := v.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("cannot read credentials of %s: %w", id, err)
	}
	if !ok {
		return nil, hodl.Errorf(hodl.NotConfigured, "exchange %s is not configured", id)
	}
	res := make(map[string]string, len(r))
	for field, value := range r {
		if field == LastUpdated {
			continue
		}
		res[field] = v.open(id, field, value)
	}
	return res, nil
}

// open decrypts one stored value, degrading to the raw value.
func (v *Vault) open(id, field, value string) string {
	if !IsEncrypted(value) {
		v.logger.Warn("legacy plaintext credential", "exchange", id, "field", field)
		return value
	}
	plain, err := v.cipher.Decrypt(value)
	if err != nil {
		v.logger.Error("cannot decrypt credential", "reason", hodl.CredentialCorrupted, "exchange", id, "field", field, "err", err)
		return value
	}
	return plain
}

// Delete removes the record of exchange id. Deleting a missing record is not an error.
func (v *Vault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.store.Delete(id); err != nil {
		return fmt.Errorf("cannot delete credentials of %s: %w", id, err)
	}
	v.logger.Info("credentials deleted", "exchange", id)
	return nil
}

// Has reports whether exchange id is configured.
func (v *Vault) Has(id string) (bool, error) {
	_, ok, err := v.store.Get(id)
	return ok, err
}

// List returns the sorted ids of the configured exchanges. Nothing is decrypted.
func (v *Vault) List() ([]string, error) {
	all, err := v.store.All()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(all)), nil
}

// Entry describes a stored record without any secret.
type Entry struct {
	ExchangeID  string    `json:"exchangeId"`
	Fields      []string  `json:"fields"`
	Legacy      bool      `json:"legacy,omitempty"` // some values are stored in plaintext
	LastUpdated time.Time `json:"lastUpdated"`
}

// Entries describes every stored record, sorted by exchange id. Nothing is decrypted.
func (v *Vault) Entries() ([]Entry, error) {
	all, err := v.store.All()
	if err != nil {
		return nil, err
	}
	res := make([]Entry, 0, len(all))
	for _, id := range slices.Sorted(maps.Keys(all)) {
		r := all[id]
		e := Entry{ExchangeID: id}
		for field, value := range r {
			if field == LastUpdated {
				e.LastUpdated, _ = time.Parse(time.RFC3339, value)
				continue
			}
			e.Fields = append(e.Fields, field)
			e.Legacy = e.Legacy || !IsEncrypted(value)
		}
		slices.Sort(e.Fields)
		res = append(res, e)
	}
	return res, nil
}
