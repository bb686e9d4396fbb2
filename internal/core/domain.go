package core

import (
	"errors"
	"strings"
	"time"
)

const (
	AccountCard AccountKind = "card"
	AccountJar  AccountKind = "jar"
)

type (
	AccountKind string

	// Money is an amount in minor units (kopiykas, cents) as the provider
	// reports it. Debits are negative.
	Money struct {
		Cents int64
	}

	// Account is a tracked provider account (a card or a jar). The poller
	// owns PollCursor and LastPollAt; webhook registration owns
	// WebhookRegistered. Accounts are never deleted while linked, only
	// retired by clearing Active.
	Account struct {
		ID                string // provider account reference
		Token             string // provider API token for this account
		Kind              AccountKind
		Title             string
		CurrencyCode      int
		WebhookRegistered bool
		Active            bool
		LastPollAt        time.Time
		PollCursor        string // opaque poll watermark
	}

	// Transaction is one ledger record. ProviderTxnID is the natural key:
	// at most one record per provider transaction ever exists. Records are
	// immutable once persisted; provider corrections arrive as new events.
	Transaction struct {
		ProviderTxnID   string
		AccountID       string
		Amount          Money
		OperationAmount Money
		CurrencyCode    int
		OccurredAt      int64 // unix seconds, provider clock
		MCC             int
		Description     string
		Comment         string
		Balance         int64
		Hold            bool
		RawPayload      []byte
	}
)

var (
	ErrMissingTxnID      = errors.New("missing provider transaction id")
	ErrMissingAccount    = errors.New("missing account id")
	ErrAccountMismatch   = errors.New("transaction belongs to a different account")
	ErrInvalidCurrency   = errors.New("invalid currency code")
	ErrInvalidOccurredAt = errors.New("invalid transaction time")
	ErrInactiveAccount   = errors.New("account is not active")
)

func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrMissingAccount
	}
	if strings.TrimSpace(a.Token) == "" {
		return errors.New("missing provider token")
	}
	switch a.Kind {
	case AccountCard, AccountJar:
	default:
		return errors.New("invalid account kind")
	}
	if a.CurrencyCode <= 0 {
		return ErrInvalidCurrency
	}
	return nil
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ProviderTxnID) == "" {
		return ErrMissingTxnID
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return ErrMissingAccount
	}
	if t.CurrencyCode <= 0 {
		return ErrInvalidCurrency
	}
	if t.OccurredAt <= 0 {
		return ErrInvalidOccurredAt
	}
	return nil
}
