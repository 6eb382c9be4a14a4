package sophos

// UpdateRequest is the message a client sends the server to insert one
// (already-masked) index under one update token (spec §3, §6).
type UpdateRequest struct {
	Token UpdateToken
	Index Index
}

// SearchRequest is the message a client sends the server to search a
// keyword: the snapshot search token and counter at request time, plus
// the per-keyword derivation key the server needs to re-derive update
// tokens and masks along the TDP chain (spec §3, §6).
type SearchRequest struct {
	DerivationKey DerivationKey
	Token         SearchToken
	AddCount      uint64
}

// SearchResponse carries the decrypted indices a search matched. The
// multiset of Indices is the protocol's only normative content; their
// order is unspecified (spec §5).
type SearchResponse struct {
	Indices []Index
}
