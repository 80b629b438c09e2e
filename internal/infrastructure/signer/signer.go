package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

const (
	domainName    = "Exchange"
	domainVersion = "1"
	domainChainID = 1337
)

// AgentSigner Hyperliquid L1 动作签名（phantom agent + EIP-712）
type AgentSigner struct {
	key     *ecdsa.PrivateKey
	address string
	testnet bool
}

var _ port.Signer = (*AgentSigner)(nil)

// New 私钥为 hex，可带 0x 前缀
func New(hexKey string, testnet bool) (*AgentSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("%w: private key is empty", model.ErrSignerUnavailable)
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key: %v", model.ErrSignerUnavailable, err)
	}
	return &AgentSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		testnet: testnet,
	}, nil
}

// Address 钱包地址（checksum 格式）
func (s *AgentSigner) Address() string { return s.address }

// Sign 对动作签名，返回 r/s 为 0x hex，v 为 27/28
func (s *AgentSigner) Sign(ctx context.Context, action any, nonce uint64) (port.Signature, error) {
	if err := ctx.Err(); err != nil {
		return port.Signature{}, err
	}
	digest, err := Digest(action, nonce, s.testnet)
	if err != nil {
		return port.Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return port.Signature{}, fmt.Errorf("%w: sign: %v", model.ErrSignerUnavailable, err)
	}
	return port.Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// ActionHash keccak256(msgpack(action) || nonce(8 字节大端) || 0x00)
func ActionHash(action any, nonce uint64) (common.Hash, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetSortMapKeys(true)
	if err := enc.Encode(action); err != nil {
		return common.Hash{}, fmt.Errorf("%w: encode action: %v", model.ErrInvalidArgument, err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])
	buf.WriteByte(0x00)
	return crypto.Keccak256Hash(buf.Bytes()), nil
}

// Digest 需要签名的 EIP-712 摘要
func Digest(action any, nonce uint64, testnet bool) ([]byte, error) {
	hash, err := ActionHash(action, nonce)
	if err != nil {
		return nil, err
	}
	source := "a"
	if testnet {
		source = "b"
	}

	typed := apitypes.TypedData{
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
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(domainChainID),
			VerifyingContract: common.Address{}.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hash.Bytes(),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("%w: eip712 hash: %v", model.ErrSignerUnavailable, err)
	}
	return digest, nil
}
