package account

import (
	"encoding/json"
	"fmt"
)

// MarshalDocument encodes the account as the JSON document persisted by the
// durable stores. Decimal fields serialize as high-precision strings (the
// shopspring default), so cost values round-trip exactly regardless of the
// store's native numeric types.
func MarshalDocument(a *Account) ([]byte, error) {
	doc, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return doc, nil
}

// UnmarshalDocument decodes a stored JSON document back into an Account.
// A cost field that fails exact decimal parsing surfaces ErrSerialization
// rather than a silently zeroed value.
func UnmarshalDocument(doc []byte) (*Account, error) {
	var a Account
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &a, nil
}
