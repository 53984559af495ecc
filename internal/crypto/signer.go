// Package crypto 为实盘兑换交易签名。
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"trades-engine/internal/market"
)

// Signer 使用 secp256k1 私钥对交易负载的 keccak256 摘要签名。
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner 从十六进制私钥创建 Signer，允许 0x 前缀。
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("crypto: 私钥为空")
	}
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: 无效私钥: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address 返回签名者地址（作为交易 owner）。
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignTx 对待签名交易签名，返回 65 字节 [R || S || V] 签名。
func (s *Signer) SignTx(tx market.UnsignedTx) (market.SignedTx, error) {
	if len(tx.Payload) == 0 {
		return market.SignedTx{}, errors.New("crypto: 交易负载为空")
	}
	digest := ethcrypto.Keccak256(tx.Payload)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return market.SignedTx{}, fmt.Errorf("crypto: 签名失败: %w", err)
	}
	return market.SignedTx{
		Payload:   tx.Payload,
		Signature: sig,
		Signer:    s.Address(),
	}, nil
}

// Verify 校验签名是否由 signer 地址产生。
func Verify(tx market.SignedTx) bool {
	if len(tx.Signature) != 65 {
		return false
	}
	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(tx.Payload), tx.Signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(ethcrypto.PubkeyToAddress(*pub).Hex(), tx.Signer)
}
