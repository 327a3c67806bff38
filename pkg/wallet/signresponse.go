package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnrecognizedResponse marks a signing response whose shape matched none
// of the known variants. The flow fails loudly instead of guessing.
var ErrUnrecognizedResponse = errors.New("unrecognized signing response")

type signResponseKind int

const (
	signResponseUnknown signResponseKind = iota
	signResponseArray
	signResponseObject
	signResponseBare
)

// SignResponse is the tagged union of signing-response shapes wallets are
// known to return: a bare signature string, an array of signatures, or an
// object carrying a signatures field.
type SignResponse struct {
	kind       signResponseKind
	signatures []string
}

// BareSignature wraps a single signature string.
func BareSignature(signature string) SignResponse {
	return SignResponse{kind: signResponseBare, signatures: []string{signature}}
}

// SignatureArray wraps an array-shaped response.
func SignatureArray(signatures []string) SignResponse {
	return SignResponse{kind: signResponseArray, signatures: signatures}
}

// SignatureObject wraps an object-shaped response.
func SignatureObject(signatures []string) SignResponse {
	return SignResponse{kind: signResponseObject, signatures: signatures}
}

// DecodeSignResponse matches the raw wallet payload against the three known
// shapes. Anything else is ErrUnrecognizedResponse.
func DecodeSignResponse(raw json.RawMessage) (SignResponse, error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return BareSignature(bare), nil
	}

	var array []string
	if err := json.Unmarshal(raw, &array); err == nil {
		return SignatureArray(array), nil
	}

	var object struct {
		Signatures []string `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &object); err == nil && object.Signatures != nil {
		return SignatureObject(object.Signatures), nil
	}

	return SignResponse{}, fmt.Errorf("%w: %s", ErrUnrecognizedResponse, truncate(string(raw), 120))
}

// Signature normalizes the union into the single signature string the rest
// of the flow uses.
func (response SignResponse) Signature() (string, error) {
	if response.kind == signResponseUnknown {
		return "", fmt.Errorf("%w: empty response", ErrUnrecognizedResponse)
	}
	if len(response.signatures) == 0 || response.signatures[0] == "" {
		return "", fmt.Errorf("%w: no signature present", ErrUnrecognizedResponse)
	}
	return response.signatures[0], nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
