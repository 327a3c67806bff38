package solrpc

import (
	"encoding/json"
	"fmt"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
	ID      int    `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError is the node-reported error payload.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the formatted error message.
func (rpcError *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", rpcError.Code, rpcError.Message)
}

// Blockhash is the latest block reference used to assemble a transaction.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SignatureStatus reports the confirmation progress of a broadcast
// transaction. Err is non-null when the transaction executed with an
// on-chain error.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Confirmed reports whether the transaction reached at least the confirmed
// commitment level.
func (status *SignatureStatus) Confirmed() bool {
	return status.ConfirmationStatus == CommitmentConfirmed || status.ConfirmationStatus == CommitmentFinalized
}

// Failed reports whether the transaction executed with an on-chain error.
func (status *SignatureStatus) Failed() bool {
	return len(status.Err) > 0 && string(status.Err) != "null"
}

// AccountKey is one entry of a transaction's account list. The node encodes
// it as a bare base58 string for legacy transactions and as an object with a
// pubkey field for parsed/versioned responses; both decode into Pubkey.
type AccountKey struct {
	Pubkey string
}

// UnmarshalJSON accepts both account-key representations.
func (key *AccountKey) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		key.Pubkey = bare
		return nil
	}
	var object struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return fmt.Errorf("decode account key: %w", err)
	}
	if object.Pubkey == "" {
		return fmt.Errorf("decode account key: missing pubkey")
	}
	key.Pubkey = object.Pubkey
	return nil
}

// LoadedAddresses lists the extra accounts a versioned transaction pulled in
// from address lookup tables.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// TransactionMeta is the execution metadata attached to a fetched
// transaction. PreBalances and PostBalances are lamport balances indexed by
// the full account list.
type TransactionMeta struct {
	Err             json.RawMessage  `json:"err"`
	Fee             uint64           `json:"fee"`
	PreBalances     []uint64         `json:"preBalances"`
	PostBalances    []uint64         `json:"postBalances"`
	LoadedAddresses *LoadedAddresses `json:"loadedAddresses"`
}

// Failed reports whether the transaction executed with an on-chain error.
func (meta *TransactionMeta) Failed() bool {
	return len(meta.Err) > 0 && string(meta.Err) != "null"
}

// TransactionMessage carries the static portion of the account list.
type TransactionMessage struct {
	AccountKeys []AccountKey `json:"accountKeys"`
}

// TransactionEnvelope wraps the fetched transaction body.
type TransactionEnvelope struct {
	Message    TransactionMessage `json:"message"`
	Signatures []string           `json:"signatures"`
}

// TransactionResult is one confirmed transaction as returned by the node.
type TransactionResult struct {
	Slot        uint64              `json:"slot"`
	BlockTime   *int64              `json:"blockTime"`
	Meta        *TransactionMeta    `json:"meta"`
	Transaction TransactionEnvelope `json:"transaction"`
}

// AccountKeys returns the full ordered account list: static keys first, then
// lookup-loaded writable and readonly addresses. Balance arrays in Meta are
// indexed by this order for both legacy and versioned transactions.
func (result *TransactionResult) AccountKeys() []string {
	keys := make([]string, 0, len(result.Transaction.Message.AccountKeys))
	for _, key := range result.Transaction.Message.AccountKeys {
		keys = append(keys, key.Pubkey)
	}
	if result.Meta != nil && result.Meta.LoadedAddresses != nil {
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.Readonly...)
	}
	return keys
}
