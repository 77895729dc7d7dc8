package auth

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"idex-connector/internal/core"
)

// Auth holds the per-venue credentials: the API key pair used for HMAC
// request signing and an optional secp256k1 wallet key used to sign order
// intents. The wallet key may be absent for read-only use; order mutation
// then fails with core.ErrSigningKeyMissing.
type Auth struct {
	apiKey      string
	apiSecret   string
	hashVersion uint8
	walletKey   *ecdsa.PrivateKey
	address     common.Address
}

func New(apiKey, apiSecret, walletPrivateKey string, hashVersion uint8) (*Auth, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("api key and secret required")
	}
	a := &Auth{
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		hashVersion: hashVersion,
	}
	walletPrivateKey = strings.TrimPrefix(strings.TrimSpace(walletPrivateKey), "0x")
	if walletPrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(walletPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse wallet private key: %w", err)
		}
		a.walletKey = key
		a.address = ethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return a, nil
}

func (a *Auth) APIKey() string { return a.apiKey }

// WalletAddress returns the checksummed wallet address, or "" when no wallet
// key is configured.
func (a *Auth) WalletAddress() string {
	if a.walletKey == nil {
		return ""
	}
	return a.address.Hex()
}

func (a *Auth) HasWallet() bool { return a.walletKey != nil }

// HMACSign computes the hex HMAC-SHA256 digest over the exact canonical
// bytes: the URL-encoded query string for GET requests, the serialized JSON
// body for mutating requests. Callers must transmit the same bytes they sign.
func (a *Auth) HMACSign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Nonce is a time-ordered UUID (version 1), unique and monotonically
// increasing within the process. A fresh nonce is generated for every signed
// call and never reused, including on retry.
type Nonce struct {
	id uuid.UUID
}

func NewNonce() (Nonce, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Nonce{id: id}, nil
}

func (n Nonce) String() string { return n.id.String() }

// Int returns the nonce as the 128-bit big-endian integer used in wallet
// signature tuples.
func (n Nonce) Int() *big.Int {
	return new(big.Int).SetBytes(n.id[:])
}

// Param is one (type-tag, value) entry of a wallet signature tuple. Packing
// follows solidity abi.encodePacked: fixed-width big-endian integers, raw
// address bytes, raw UTF-8 strings, one byte per bool.
type Param struct {
	kind    paramKind
	u8      uint8
	u64     uint64
	u128    *big.Int
	address common.Address
	str     string
	boolean bool
}

type paramKind int

const (
	paramUint8 paramKind = iota
	paramUint64
	paramUint128
	paramAddress
	paramString
	paramBool
)

func Uint8(v uint8) Param            { return Param{kind: paramUint8, u8: v} }
func Uint64(v uint64) Param          { return Param{kind: paramUint64, u64: v} }
func Uint128(v *big.Int) Param       { return Param{kind: paramUint128, u128: v} }
func Address(v common.Address) Param { return Param{kind: paramAddress, address: v} }
func String(v string) Param          { return Param{kind: paramString, str: v} }
func Bool(v bool) Param              { return Param{kind: paramBool, boolean: v} }

// Pack serializes the tuple to its canonical byte sequence. The tuple order
// is part of the venue protocol: reordering produces a signature that
// authenticates a different intent.
func Pack(params []Param) []byte {
	var out []byte
	for _, p := range params {
		switch p.kind {
		case paramUint8:
			out = append(out, p.u8)
		case paramUint64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], p.u64)
			out = append(out, buf[:]...)
		case paramUint128:
			var buf [16]byte
			p.u128.FillBytes(buf[:])
			out = append(out, buf[:]...)
		case paramAddress:
			out = append(out, p.address.Bytes()...)
		case paramString:
			out = append(out, []byte(p.str)...)
		case paramBool:
			if p.boolean {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
	}
	return out
}

// WalletSign computes keccak256 over the packed tuple, wraps the digest as an
// Ethereum personal message and signs it with the wallet key. Returns the
// 65-byte signature hex-encoded with 0x prefix and V in {27, 28}.
func (a *Auth) WalletSign(params []Param) (string, error) {
	if a.walletKey == nil {
		return "", core.ErrSigningKeyMissing
	}
	digest := ethcrypto.Keccak256(Pack(params))
	sig, err := ethcrypto.Sign(accounts.TextHash(digest), a.walletKey)
	if err != nil {
		return "", fmt.Errorf("wallet sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// OrderIntent describes a new order for wallet signing. Quantity, price and
// stop price are the exact wire strings submitted to the venue; the signature
// covers those strings byte for byte.
type OrderIntent struct {
	Market              string
	Type                core.OrderType
	Side                core.Side
	Quantity            string
	QuantityInQuote     bool
	Price               string
	StopPrice           string
	ClientOrderID       string
	TimeInForce         core.TimeInForce
	SelfTradePrevention core.SelfTradePrevention
}

// OrderSignatureParams builds the positionally fixed tuple for a new order.
func (a *Auth) OrderSignatureParams(nonce Nonce, intent OrderIntent) ([]Param, error) {
	if a.walletKey == nil {
		return nil, core.ErrSigningKeyMissing
	}
	typeCode, ok := intent.Type.Code()
	if !ok {
		return nil, fmt.Errorf("order type %q has no signature code", intent.Type)
	}
	sideCode, ok := intent.Side.Code()
	if !ok {
		return nil, fmt.Errorf("side %q has no signature code", intent.Side)
	}
	tif := intent.TimeInForce
	if tif == "" {
		tif = core.GoodTilCanceled
	}
	tifCode, ok := tif.Code()
	if !ok {
		return nil, fmt.Errorf("time in force %q has no signature code", tif)
	}
	stp := intent.SelfTradePrevention
	if stp == "" {
		stp = core.DecrementAndCancel
	}
	stpCode, ok := stp.Code()
	if !ok {
		return nil, fmt.Errorf("self-trade prevention %q has no signature code", stp)
	}
	return []Param{
		Uint8(a.hashVersion),
		Uint128(nonce.Int()),
		Address(a.address),
		String(intent.Market),
		Uint8(typeCode),
		Uint8(sideCode),
		String(intent.Quantity),
		Bool(intent.QuantityInQuote),
		String(intent.Price),
		String(intent.StopPrice),
		String(intent.ClientOrderID),
		Uint8(tifCode),
		Uint8(stpCode),
		Uint64(0), // reserved, always zero
	}, nil
}

func (a *Auth) SignOrder(nonce Nonce, intent OrderIntent) (string, error) {
	params, err := a.OrderSignatureParams(nonce, intent)
	if err != nil {
		return "", err
	}
	return a.WalletSign(params)
}

// CancelSignatureParams builds the tuple for order cancellation.
func (a *Auth) CancelSignatureParams(nonce Nonce, market, clientOrderID string) ([]Param, error) {
	if a.walletKey == nil {
		return nil, core.ErrSigningKeyMissing
	}
	return []Param{
		Uint128(nonce.Int()),
		Address(a.address),
		String(clientOrderID),
		String(market),
	}, nil
}

func (a *Auth) SignCancel(nonce Nonce, market, clientOrderID string) (string, error) {
	params, err := a.CancelSignatureParams(nonce, market, clientOrderID)
	if err != nil {
		return "", err
	}
	return a.WalletSign(params)
}
