package venue

import (
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Signer 交易动作签名抽象，测试时可以替换为假实现
type Signer interface {
	// SignAction 对 L1 动作（下单、撤单、计划撤单）签名
	SignAction(action any, nonce int64) (signatureWire, error)
	// SignUserAction 对用户动作（划转）做 EIP-712 签名
	SignUserAction(types []apitypes.Type, primaryType string, message apitypes.TypedDataMessage) (signatureWire, error)
	// Address 主账户地址
	Address() string
}

// LocalSigner 本地私钥签名
// L1 动作先做 msgpack 序列化取 keccak 摘要，再通过 phantom agent
// 结构做 EIP-712 签名，字段顺序由 wire 结构体定义保证
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address string
	mainnet bool
}

// NewLocalSigner 从十六进制私钥创建签名器
func NewLocalSigner(privateKeyHex string, mainnet bool) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "解析私钥失败")
	}
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		mainnet: mainnet,
	}, nil
}

// Address 主账户地址
func (s *LocalSigner) Address() string {
	return s.address
}

// SignAction L1 动作签名
func (s *LocalSigner) SignAction(action any, nonce int64) (signatureWire, error) {
	connectionID, err := actionHash(action, nonce)
	if err != nil {
		return signatureWire{}, err
	}

	source := "b"
	if s.mainnet {
		source = "a"
	}

	typedData := apitypes.TypedData{
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID[:],
		},
	}

	return s.signTypedData(typedData)
}

// SignUserAction 用户动作签名（划转等，走 Arbitrum 域）
func (s *LocalSigner) SignUserAction(types []apitypes.Type, primaryType string, message apitypes.TypedDataMessage) (signatureWire, error) {
	chainID := int64(42161)
	if !s.mainnet {
		chainID = 421614
	}

	typedData := apitypes.TypedData{
		Domain: apitypes.TypedDataDomain{
			Name:              "HyperliquidSignTransaction",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: types,
		},
		PrimaryType: primaryType,
		Message:     message,
	}

	return s.signTypedData(typedData)
}

// signTypedData EIP-712 哈希并签名
func (s *LocalSigner) signTypedData(typedData apitypes.TypedData) (signatureWire, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return signatureWire{}, errors.Wrap(err, "计算 domain separator 失败")
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return signatureWire{}, errors.Wrap(err, "计算消息哈希失败")
	}

	digest := crypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator,
		messageHash,
	)

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return signatureWire{}, errors.Wrap(err, "签名失败")
	}

	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:64])
	return signatureWire{
		R: hexutil.EncodeBig(r),
		S: hexutil.EncodeBig(sv),
		V: sig[64] + 27,
	}, nil
}

// actionHash msgpack(action) + 8 字节 nonce + vault 标志位的 keccak 摘要
func actionHash(action any, nonce int64) (common.Hash, error) {
	packed, err := msgpack.Marshal(action)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "msgpack 序列化失败")
	}

	data := make([]byte, 0, len(packed)+9)
	data = append(data, packed...)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	data = append(data, nonceBytes[:]...)

	// 不使用 vault 子账户
	data = append(data, 0x00)

	return common.BytesToHash(crypto.Keccak256(data)), nil
}
