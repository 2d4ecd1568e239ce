package proofs

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func pairHash(a, b common.Hash) common.Hash {
	left, right := a.Bytes(), b.Bytes()
	if bytes.Compare(left, right) > 0 {
		left, right = right, left
	}
	return common.BytesToHash(crypto.Keccak256(left, right))
}

func TestVerifyMerkleProofRoundTrip(t *testing.T) {
	leaves := []common.Hash{
		crypto.Keccak256Hash([]byte("leaf-0")),
		crypto.Keccak256Hash([]byte("leaf-1")),
		crypto.Keccak256Hash([]byte("leaf-2")),
		crypto.Keccak256Hash([]byte("leaf-3")),
	}
	p01 := pairHash(leaves[0], leaves[1])
	p23 := pairHash(leaves[2], leaves[3])
	root := pairHash(p01, p23)

	proofs := [][]common.Hash{
		{leaves[1], p23},
		{leaves[0], p23},
		{leaves[3], p01},
		{leaves[2], p01},
	}
	for i, leaf := range leaves {
		if !VerifyMerkleProof(leaf, proofs[i], root) {
			t.Fatalf("proof for leaf %d must verify", i)
		}
	}

	tampered := crypto.Keccak256Hash([]byte("tampered"))
	if VerifyMerkleProof(tampered, proofs[0], root) {
		t.Fatalf("tampered leaf must not verify")
	}
	wrongRoot := crypto.Keccak256Hash([]byte("wrong-root"))
	if VerifyMerkleProof(leaves[0], proofs[0], wrongRoot) {
		t.Fatalf("proof against a foreign root must not verify")
	}
}

func TestVerifyMerkleProofSingleLeaf(t *testing.T) {
	leaf := crypto.Keccak256Hash([]byte("only"))
	if !VerifyMerkleProof(leaf, nil, leaf) {
		t.Fatalf("a single-leaf tree has the leaf as its root")
	}
}

func TestComputeLeaf(t *testing.T) {
	request := hexutil.Encode([]byte("request-bytes"))
	response := hexutil.Encode([]byte("response-bytes"))

	leaf, err := ComputeLeaf(request, response)
	if err != nil {
		t.Fatalf("compute leaf: %v", err)
	}
	want := crypto.Keccak256(
		crypto.Keccak256([]byte("request-bytes")),
		crypto.Keccak256([]byte("response-bytes")),
	)
	if leaf != common.BytesToHash(want) {
		t.Fatalf("unexpected leaf: got %s", leaf.Hex())
	}

	if _, err := ComputeLeaf("not-hex", response); err == nil {
		t.Fatalf("expected error for malformed request bytes")
	}
}

func TestAttestationNameRoundTrip(t *testing.T) {
	for _, name := range []string{
		TypePayment,
		TypeBalanceDecreasingTransaction,
		TypeReferencedPaymentNonexistence,
		TypeConfirmedBlockHeightExists,
		TypeAddressValidity,
	} {
		encoded := EncodeAttestationName(name)
		if len(encoded) != 2+64 {
			t.Fatalf("encoded name %q must be 32 bytes, got %q", name, encoded)
		}
		if got := AttestationName(encoded); got != name {
			t.Fatalf("round trip of %q gave %q", name, got)
		}
	}
}
