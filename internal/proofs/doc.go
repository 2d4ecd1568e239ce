// Package proofs implements the data connector client used to attest
// underlying-chain facts on the base chain: submitting attestation requests,
// waiting for voting rounds to finalize, retrieving proofs from providers and
// verifying them locally against the on-chain merkle root.
package proofs
