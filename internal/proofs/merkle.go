package proofs

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func keccakOf(data []byte) []byte {
	return crypto.Keccak256(data)
}

// ComputeLeaf 由请求字节与响应字节推导默克尔叶子。
// 叶子 = keccak256(keccak256(request) || keccak256(response))，
// 两侧都从取回的证明中独立重算，提供方无法伪造。
func ComputeLeaf(requestBytes, responseHex string) (common.Hash, error) {
	reqRaw, err := hexutil.Decode(requestBytes)
	if err != nil {
		return common.Hash{}, err
	}
	respRaw, err := hexutil.Decode(responseHex)
	if err != nil {
		return common.Hash{}, err
	}
	leaf := crypto.Keccak256(crypto.Keccak256(reqRaw), crypto.Keccak256(respRaw))
	return common.BytesToHash(leaf), nil
}

// VerifyMerkleProof 以有序成对哈希的方式沿证明路径重算根，
// 与链上敲定的根比对。
func VerifyMerkleProof(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	current := leaf.Bytes()
	for _, sibling := range proof {
		sib := sibling.Bytes()
		if bytes.Compare(current, sib) <= 0 {
			current = crypto.Keccak256(current, sib)
		} else {
			current = crypto.Keccak256(sib, current)
		}
	}
	return bytes.Equal(current, root.Bytes())
}
