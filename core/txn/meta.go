package txn

import (
	"encoding/json"
	"fmt"
)

// docMeta is the staging record a transaction writes into a document's xattr
// section. Any client that finds it consults the ATR entry it points at to
// decide which version of the document is current.
type docMeta struct {
	ID      metaID       `json:"id"`
	ATR     metaATR      `json:"atr"`
	Op      metaOp       `json:"op"`
	Restore *metaRestore `json:"restore,omitempty"`
}

type metaID struct {
	Transaction string `json:"txn"`
	Attempt     string `json:"atmpt"`
}

type metaATR struct {
	Key string `json:"key"`
}

type metaOp struct {
	Type MutationType `json:"type"`
	// Staged is the post-transaction body for inserts and replaces.
	Staged []byte `json:"stgd,omitempty"`
}

// metaRestore keeps the CAS the document had before it was first staged.
type metaRestore struct {
	Cas uint64 `json:"cas"`
}

func (m *docMeta) encode() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Only plain strings and byte slices: cannot fail.
		panic(fmt.Sprintf("txn: encoding staging metadata: %v", err))
	}
	return b
}

// decodeMeta parses xattr. A document without staging yields (nil, nil).
func decodeMeta(xattr []byte) (*docMeta, error) {
	if len(xattr) == 0 {
		return nil, nil
	}
	var m docMeta
	if err := json.Unmarshal(xattr, &m); err != nil {
		return nil, fmt.Errorf("corrupt staging metadata: %w", err)
	}
	if m.ID.Attempt == "" {
		return nil, nil
	}
	return &m, nil
}
