package issuance

import "time"

// Commitment is the write-once record that a proof commitment has been
// consumed by a mint. Once stored it is immutable forever; the storage layer
// rejects any second write for the same hash.
type Commitment struct {
	Hash      string
	Validator string // validator of record, empty when none was attributed
	MintedAt  time.Time
}

// MintRequest carries one issuance request through the engine.
type MintRequest struct {
	To           string
	Amount       int64
	Proof        []byte
	PublicInputs []string
	Commitment   string
	ProjectID    string
	Validator    string
}
