// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package xrp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client speaks the ledger daemon's JSON-RPC dialect: a POST body of
// {"method": ..., "params": [{...}]} answered by {"result": {...}} with
// an in-band status field.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for the given HTTP endpoint.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// apiStatus is embedded in every result document.
type apiStatus struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (s *apiStatus) ok() error {
	if s.Status == "success" {
		return nil
	}
	if s.ErrorMessage != "" {
		return fmt.Errorf("%s: %s", s.ErrorCode, s.ErrorMessage)
	}
	return fmt.Errorf("request failed: %s", s.ErrorCode)
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", method, resp.Status)
	}
	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: %v", method, err)
	}
	return json.Unmarshal(env.Result, result)
}

//
// account_tx
//

// AccountTxRequest pages an account's transaction history. With
// Forward false the daemon returns newest entries first; Marker resumes
// a previous page.
type AccountTxRequest struct {
	Account        string          `json:"account"`
	LedgerIndexMin int64           `json:"ledger_index_min"`
	LedgerIndexMax int64           `json:"ledger_index_max"`
	Limit          int             `json:"limit,omitempty"`
	Forward        bool            `json:"forward"`
	Marker         json.RawMessage `json:"marker,omitempty"`
}

// Transaction is the subset of a ledger transaction the engine reads.
type Transaction struct {
	Hash            string          `json:"hash"`
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination"`
	DestinationTag  *uint32         `json:"DestinationTag"`
	Amount          json.RawMessage `json:"Amount"`
	LedgerIndex     uint64          `json:"ledger_index"`
	Date            int64           `json:"date"` // seconds since the ledger epoch
}

// AffectedNode is one entry of a transaction's metadata node list.
type AffectedNode struct {
	ModifiedNode *struct {
		LedgerEntryType string `json:"LedgerEntryType"`
	} `json:"ModifiedNode"`
}

// Meta is the validated outcome of a transaction. DeliveredAmount is a
// drops string for native payments and an object for issued currencies.
type Meta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
	AffectedNodes     []AffectedNode  `json:"AffectedNodes"`
}

// AccountTxEntry pairs a transaction with its metadata.
type AccountTxEntry struct {
	Tx        *Transaction `json:"tx"`
	Meta      Meta         `json:"meta"`
	Validated bool         `json:"validated"`
}

// AccountTxResult is one history page.
type AccountTxResult struct {
	apiStatus
	Transactions []AccountTxEntry `json:"transactions"`
	Marker       json.RawMessage  `json:"marker,omitempty"`
}

// AccountTx fetches one history page.
func (c *Client) AccountTx(ctx context.Context, req *AccountTxRequest) (*AccountTxResult, error) {
	var res AccountTxResult
	if err := c.call(ctx, "account_tx", req, &res); err != nil {
		return nil, err
	}
	if err := res.ok(); err != nil {
		return nil, err
	}
	return &res, nil
}

//
// account_info
//

type accountInfoRequest struct {
	Account     string `json:"account"`
	LedgerIndex string `json:"ledger_index"`
}

// AccountInfoResult carries the validated account state.
type AccountInfoResult struct {
	apiStatus
	AccountData struct {
		Balance string `json:"Balance"` // drops
	} `json:"account_data"`
}

// AccountInfo fetches the validated state of an account.
func (c *Client) AccountInfo(ctx context.Context, account string) (*AccountInfoResult, error) {
	var res AccountInfoResult
	err := c.call(ctx, "account_info", &accountInfoRequest{
		Account:     account,
		LedgerIndex: "validated",
	}, &res)
	if err != nil {
		return nil, err
	}
	if err := res.ok(); err != nil {
		return nil, err
	}
	return &res, nil
}

//
// submit
//

// Payment is the signable payout document.
type Payment struct {
	TransactionType string  `json:"TransactionType"`
	Account         string  `json:"Account"`
	Destination     string  `json:"Destination"`
	Amount          string  `json:"Amount"` // drops
	DestinationTag  *uint32 `json:"DestinationTag,omitempty"`
}

type submitRequest struct {
	TxJSON   *Payment `json:"tx_json"`
	Secret   string   `json:"secret"`
	FailHard bool     `json:"fail_hard"`
}

// SubmitResult is the daemon's provisional verdict on a submission.
type SubmitResult struct {
	apiStatus
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// Submit signs and broadcasts a payment through the daemon.
func (c *Client) Submit(ctx context.Context, payment *Payment, secret string) (*SubmitResult, error) {
	var res SubmitResult
	err := c.call(ctx, "submit", &submitRequest{
		TxJSON:   payment,
		Secret:   secret,
		FailHard: true,
	}, &res)
	if err != nil {
		return nil, err
	}
	if err := res.ok(); err != nil {
		return nil, err
	}
	return &res, nil
}
