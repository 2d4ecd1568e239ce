package proofs

import (
	"encoding/json"
	"fmt"
	"math/big"

	xerrors "FAsset-Agent/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 支持的证明类型，与证明服务的 attestation name 一一对应。
const (
	TypePayment                       = "Payment"
	TypeBalanceDecreasingTransaction  = "BalanceDecreasingTransaction"
	TypeReferencedPaymentNonexistence = "ReferencedPaymentNonexistence"
	TypeConfirmedBlockHeightExists    = "ConfirmedBlockHeightExists"
	TypeAddressValidity               = "AddressValidity"
)

// ProtocolID 是证明协议在中继合约上的编号。
const ProtocolID = 200

// zeroBytes32 用于判断轮次是否已敲定。
var zeroBytes32 = common.Hash{}

// Request 描述提交给证明服务的一次请求。
type Request struct {
	AttestationType      string `json:"attestationType"`
	SourceID             string `json:"sourceId"`
	MessageIntegrityCode string `json:"messageIntegrityCode"`
	RequestBody          any    `json:"requestBody"`
}

// PaymentBody 请求证明"某笔支付发生过"。
type PaymentBody struct {
	TransactionID string `json:"transactionId"`
	InUtxo        string `json:"inUtxo"`
	Utxo          string `json:"utxo"`
}

// BalanceDecreasingBody 请求证明"某地址发生过减少余额的交易"。
type BalanceDecreasingBody struct {
	TransactionID          string `json:"transactionId"`
	SourceAddressIndicator string `json:"sourceAddressIndicator"`
}

// NonexistenceBody 请求证明"带指定引用的支付没有发生"。
type NonexistenceBody struct {
	MinimalBlockNumber       string `json:"minimalBlockNumber"`
	DeadlineBlockNumber      string `json:"deadlineBlockNumber"`
	DeadlineTimestamp        string `json:"deadlineTimestamp"`
	DestinationAddressHash   string `json:"destinationAddressHash"`
	Amount                   string `json:"amount"`
	StandardPaymentReference string `json:"standardPaymentReference"`
	CheckSourceAddresses     bool   `json:"checkSourceAddresses"`
	SourceAddressesRoot      string `json:"sourceAddressesRoot"`
}

// BlockHeightBody 请求证明"某高度的区块已确认"。
type BlockHeightBody struct {
	BlockNumber string `json:"blockNumber"`
	QueryWindow string `json:"queryWindow"`
}

// AddressValidityBody 请求证明底层链地址是否合法。
type AddressValidityBody struct {
	AddressStr string `json:"addressStr"`
}

// NewPaymentRequest 构造支付证明请求。
func NewPaymentRequest(sourceID, txID string, inUtxo, utxo uint64) Request {
	return Request{
		AttestationType:      EncodeAttestationName(TypePayment),
		SourceID:             sourceID,
		MessageIntegrityCode: zeroBytes32.Hex(),
		RequestBody: PaymentBody{
			TransactionID: txID,
			InUtxo:        fmt.Sprintf("%d", inUtxo),
			Utxo:          fmt.Sprintf("%d", utxo),
		},
	}
}

// NewNonexistenceRequest 构造未支付证明请求。
func NewNonexistenceRequest(sourceID, destination, reference string, amount *big.Int, startBlock, endBlock, endTimestamp uint64) Request {
	return Request{
		AttestationType:      EncodeAttestationName(TypeReferencedPaymentNonexistence),
		SourceID:             sourceID,
		MessageIntegrityCode: zeroBytes32.Hex(),
		RequestBody: NonexistenceBody{
			MinimalBlockNumber:       fmt.Sprintf("%d", startBlock),
			DeadlineBlockNumber:      fmt.Sprintf("%d", endBlock),
			DeadlineTimestamp:        fmt.Sprintf("%d", endTimestamp),
			DestinationAddressHash:   hexutil.Encode(keccakOf([]byte(destination))),
			Amount:                   "0x" + amount.Text(16),
			StandardPaymentReference: reference,
			SourceAddressesRoot:      zeroBytes32.Hex(),
		},
	}
}

// NewBlockHeightRequest 构造区块高度确认证明请求。
func NewBlockHeightRequest(sourceID string, blockNumber, queryWindow uint64) Request {
	return Request{
		AttestationType:      EncodeAttestationName(TypeConfirmedBlockHeightExists),
		SourceID:             sourceID,
		MessageIntegrityCode: zeroBytes32.Hex(),
		RequestBody: BlockHeightBody{
			BlockNumber: fmt.Sprintf("%d", blockNumber),
			QueryWindow: fmt.Sprintf("%d", queryWindow),
		},
	}
}

// NewAddressValidityRequest 构造地址合法性证明请求。
func NewAddressValidityRequest(sourceID, address string) Request {
	return Request{
		AttestationType:      EncodeAttestationName(TypeAddressValidity),
		SourceID:             sourceID,
		MessageIntegrityCode: zeroBytes32.Hex(),
		RequestBody:          AddressValidityBody{AddressStr: address},
	}
}

// NewBalanceDecreasingRequest 构造余额减少交易证明请求。
func NewBalanceDecreasingRequest(sourceID, txID, sourceAddress string) Request {
	return Request{
		AttestationType:      EncodeAttestationName(TypeBalanceDecreasingTransaction),
		SourceID:             sourceID,
		MessageIntegrityCode: zeroBytes32.Hex(),
		RequestBody: BalanceDecreasingBody{
			TransactionID:          txID,
			SourceAddressIndicator: hexutil.Encode(keccakOf([]byte(sourceAddress))),
		},
	}
}

// AttestationName 从 32 字节编码还原证明类型名。
func AttestationName(encoded string) string {
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return encoded
	}
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

// EncodeAttestationName 将证明类型名右侧补零到 32 字节并编码为十六进制。
func EncodeAttestationName(name string) string {
	raw := make([]byte, 32)
	copy(raw, name)
	return hexutil.Encode(raw)
}

// RequestID 标识一次已提交的证明请求。
type RequestID struct {
	Round int64
	Data  string
}

// Proof 是从证明服务取回并通过本地校验的证明。
// Response 保留结构化内容供字段读取，ResponseHex 与 MerkleProof
// 原样传给链上确认调用。
type Proof struct {
	AttestationType string          `json:"attestationType"`
	Round           int64           `json:"roundId"`
	RequestBytes    string          `json:"requestBytes"`
	Response        json.RawMessage `json:"response"`
	ResponseHex     string          `json:"responseHex"`
	MerkleProof     []common.Hash   `json:"merkleProof"`
}

// BlockHeightResponse 是区块高度证明响应体中代理关心的字段。
type BlockHeightResponse struct {
	ResponseBody struct {
		BlockNumber                     string `json:"blockNumber"`
		BlockTimestamp                  string `json:"blockTimestamp"`
		LowestQueryWindowBlockNumber    string `json:"lowestQueryWindowBlockNumber"`
		LowestQueryWindowBlockTimestamp string `json:"lowestQueryWindowBlockTimestamp"`
	} `json:"responseBody"`
}

// AddressValidityResponse 是地址合法性证明响应体中代理关心的字段。
type AddressValidityResponse struct {
	ResponseBody struct {
		IsValid bool `json:"isValid"`
	} `json:"responseBody"`
}

const (
	CodeRoundNotFinalized    xerrors.Code = "PROOF_ROUND_NOT_FINALIZED"
	CodeDisproved            xerrors.Code = "PROOF_DISPROVED"
	CodeProvidersUnavailable xerrors.Code = "PROOF_PROVIDERS_UNAVAILABLE"
	CodeVerificationFailed   xerrors.Code = "PROOF_VERIFICATION_FAILED"
)

var (
	// ErrNotFinalized 表示轮次尚未敲定，下个周期重试即可，不算错误。
	ErrNotFinalized = xerrors.New(CodeRoundNotFinalized, "voting round not finalized yet")
	// ErrDisproved 表示证明服务对该请求给出了否定结果。
	ErrDisproved = xerrors.New(CodeDisproved, "attestation request disproved")
	// ErrNoProviders 表示当前没有任何可用的证明服务节点。
	ErrNoProviders = xerrors.New(CodeProvidersUnavailable, "no working attestation providers")
	// ErrVerification 表示取回的证明未通过本地默克尔校验。
	ErrVerification = xerrors.New(CodeVerificationFailed, "proof does not verify against on-chain root")
)

func init() {
	xerrors.Register(CodeRoundNotFinalized, xerrors.Attributes{
		Message:   "voting round not finalized",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeDisproved, xerrors.Attributes{
		Message:   "attestation request disproved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeProvidersUnavailable, xerrors.Attributes{
		Message:   "no working attestation providers",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeVerificationFailed, xerrors.Attributes{
		Message:   "proof verification failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
