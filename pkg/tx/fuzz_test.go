package tx

import (
	"encoding/json"
	"testing"
)

// FuzzTxUnmarshal tests that arbitrary JSON input does not panic
// when unmarshaled into a Transaction struct.
func FuzzTxUnmarshal(f *testing.F) {
	f.Add([]byte(`{"txn_id":"5f0e1d54-2b5a-4c3e-9c1f-6f2f0d1b7a11","txn_type":"invoice","timestamp":1700000000,"payload":{"amount":1}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"payload":"not json object","proof":{"full":"","stripped":"zz"}}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var tx Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return
		}
		// If unmarshal succeeded, these must not panic.
		tx.Hash()
		tx.Validate()
		tx.VerifyProof(nil)
	})
}
