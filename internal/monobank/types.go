package monobank

import (
	"encoding/json"
	"fmt"

	"monoledger/internal/core"
)

// ClientInfo is the provider's /personal/client-info response: the cards
// and jars reachable with one token.
type ClientInfo struct {
	ClientID string        `json:"clientId"`
	Name     string        `json:"name"`
	Accounts []CardAccount `json:"accounts"`
	Jars     []Jar         `json:"jars"`
}

type CardAccount struct {
	ID           string   `json:"id"`
	SendID       string   `json:"sendId"`
	Balance      int64    `json:"balance"`
	CreditLimit  int64    `json:"creditLimit"`
	Type         string   `json:"type"`
	CurrencyCode int      `json:"currencyCode"`
	MaskedPan    []string `json:"maskedPan"`
	IBAN         string   `json:"iban"`
}

type Jar struct {
	ID           string `json:"id"`
	SendID       string `json:"sendId"`
	Title        string `json:"title"`
	CurrencyCode int    `json:"currencyCode"`
	Balance      int64  `json:"balance"`
	Goal         int64  `json:"goal"`
}

// StatementItem is one provider transaction, identical in shape between
// statement polls and webhook pushes.
type StatementItem struct {
	ID              string `json:"id"`
	Time            int64  `json:"time"`
	Description     string `json:"description"`
	MCC             int    `json:"mcc"`
	OriginalMCC     int    `json:"originalMcc"`
	Amount          int64  `json:"amount"`
	OperationAmount int64  `json:"operationAmount"`
	CurrencyCode    int    `json:"currencyCode"`
	CommissionRate  int64  `json:"commissionRate"`
	CashbackAmount  int64  `json:"cashbackAmount"`
	Balance         int64  `json:"balance"`
	Hold            bool   `json:"hold"`
	ReceiptID       string `json:"receiptId"`
	Comment         string `json:"comment"`
}

// WebhookEvent is the provider's push payload: a statement item tagged
// with the account it belongs to.
type WebhookEvent struct {
	Type string           `json:"type"`
	Data WebhookEventData `json:"data"`
}

type WebhookEventData struct {
	Account       string        `json:"account"`
	StatementItem StatementItem `json:"statementItem"`
}

const EventStatementItem = "StatementItem"

// Transaction converts a statement item into a ledger candidate for the
// given account, preserving the provider's JSON as the raw payload.
func (it StatementItem) Transaction(accountID string) core.Transaction {
	raw, err := json.Marshal(it)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the record anyway.
		raw = []byte(fmt.Sprintf(`{"id":%q}`, it.ID))
	}
	return core.Transaction{
		ProviderTxnID:   it.ID,
		AccountID:       accountID,
		Amount:          core.Money{Cents: it.Amount},
		OperationAmount: core.Money{Cents: it.OperationAmount},
		CurrencyCode:    it.CurrencyCode,
		OccurredAt:      it.Time,
		MCC:             it.MCC,
		Description:     it.Description,
		Comment:         it.Comment,
		Balance:         it.Balance,
		Hold:            it.Hold,
		RawPayload:      raw,
	}
}

type apiError struct {
	ErrorDescription string `json:"errorDescription"`
}
