package ingest

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/exchange"
)

// CredentialStore keeps exchange credentials. *vault.Vault implements it.
type CredentialStore interface {
	exchange.CredentialSource
	Save(id string, credentials map[string]string) error
	Delete(id string) error
	Has(id string) (bool, error)
	List() ([]string, error)
}

// Exchanges manages the exchange accounts: their credentials and adapters.
type Exchanges struct {
	Registry *exchange.Registry
	Vault    CredentialStore
	// BaseURLs overrides the API endpoint per exchange id.
	BaseURLs map[string]string
	Logger   *log.Logger
}

func (e *Exchanges) logger() *log.Logger {
	if e.Logger == nil {
		return log.Default()
	}
	return e.Logger
}

// Adapter builds the adapter of exchange id, reading credentials from the vault.
func (e *Exchanges) Adapter(id string) (exchange.Adapter, error) {
	return e.Registry.New(id, exchange.Config{
		Credentials: e.Vault,
		BaseURL:     e.BaseURLs[id],
		Logger:      e.logger().With("exchange", id),
	})
}

// Account describes an exchange, configured or not.
type Account struct {
	ID          string           `json:"id"`
	Configured  bool             `json:"configured"`
	Credentials []exchange.Field `json:"credentials"`
}

// Available lists every supported exchange.
func (e *Exchanges) Available() ([]Account, error) {
	configured, err := e.List()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(configured))
	for _, id := range configured {
		set[id] = true
	}
	var res []Account
	for _, id := range e.Registry.IDs() {
		a, err := e.Adapter(id)
		if err != nil {
			return nil, err
		}
		res = append(res, Account{ID: id, Configured: set[id], Credentials: a.RequiredCredentials()})
	}
	return res, nil
}

// TestConnection checks credentials without storing them. It returns false
// when the exchange rejects them, and an error for any other failure.
func (e *Exchanges) TestConnection(ctx context.Context, id string, creds exchange.Credentials) (bool, error) {
	a, err := e.Adapter(id)
	if err != nil {
		return false, err
	}
	err = a.TestConnection(ctx, creds)
	if hodl.ReasonOf(err) == hodl.CredentialInvalid {
		e.logger().Info("credentials rejected", "exchange", id, "err", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveCredentials tests creds and stores them. Rejected credentials fail
// with CredentialInvalid and are not stored.
func (e *Exchanges) SaveCredentials(ctx context.Context, id string, creds exchange.Credentials) error {
	ok, err := e.TestConnection(ctx, id, creds)
	if err != nil {
		return err
	}
	if !ok {
		return hodl.Errorf(hodl.CredentialInvalid, "%s rejected the credentials", id)
	}
	a, _ := e.Adapter(id)
	fields := make(map[string]string)
	for _, f := range a.RequiredCredentials() {
		if v, ok := creds[f.Name]; ok {
			fields[f.Name] = v
		}
	}
	if err := e.Vault.Save(id, fields); err != nil {
		return fmt.Errorf("cannot save %s credentials: %w", id, err)
	}
	return nil
}

// DeleteCredentials disconnects exchange id.
func (e *Exchanges) DeleteCredentials(id string) error {
	if _, err := e.Adapter(id); err != nil {
		return err
	}
	if err := e.Vault.Delete(id); err != nil {
		return fmt.Errorf("cannot delete %s credentials: %w", id, err)
	}
	e.logger().Info("credentials deleted", "exchange", id)
	return nil
}

// List returns the ids of the configured exchanges.
func (e *Exchanges) List() ([]string, error) { return e.Vault.List() }

// Connected returns the adapter of a configured exchange.
func (e *Exchanges) Connected(id string) (exchange.Adapter, error) {
	a, err := e.Adapter(id)
	if err != nil {
		return nil, err
	}
	ok, err := e.Vault.Has(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, hodl.Errorf(hodl.NotConfigured, "%s is not configured", id)
	}
	return a, nil
}

// Balances returns the balances of a configured exchange.
func (e *Exchanges) Balances(ctx context.Context, id string) (exchange.Balances, error) {
	a, err := e.Connected(id)
	if err != nil {
		return nil, err
	}
	return a.Balances(ctx)
}
