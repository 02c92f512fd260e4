// Package keystore is the opaque signing boundary (spec.md §6): it loads
// the agent's wallet key material, exposes a chain.Signer without handing
// out the private key itself, resolves per-subscription payment wallets,
// and issues short-lived capability tokens scoped to one container and one
// request. The Container Supervisor does not attach these tokens to its
// requests.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	gethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hpp-io/noosphere-agent/internal/chain"
)

var ErrUnknownWallet = errors.New("keystore: no payment wallet configured for subscription")

// Keystore implements chain.Signer and the capability-token issuer. The
// zero value is not usable; construct with Load.
type Keystore struct {
	key        *ecdsa.PrivateKey
	chainID    *big.Int
	address    common.Address
	defaultWal common.Address
	perSub     map[uint64]common.Address
	tokenKey   []byte
}

// Options configures payment-wallet resolution; PerSubscription overrides
// Default for specific subscription ids (spec.md §6 "payment wallet
// resolution is per-subscription, not a single agent-wide address").
type Options struct {
	Default        common.Address
	PerSubscription map[uint64]common.Address
}

// Load decrypts a go-ethereum V3 keystore file and returns a Keystore
// bound to the given chain id. A fresh random HMAC secret is generated
// per process for capability-token signing — tokens are meant to be
// short-lived and process-local, not portable across agent restarts.
func Load(path, password string, chainID *big.Int, opts Options) (*Keystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %q: %w", path, err)
	}
	key, err := gethkeystore.DecryptKey(data, password)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting %q: %w", path, err)
	}

	tokenKey := make([]byte, 32)
	if _, err := rand.Read(tokenKey); err != nil {
		return nil, fmt.Errorf("keystore: generating capability token key: %w", err)
	}

	per := opts.PerSubscription
	if per == nil {
		per = make(map[uint64]common.Address)
	}

	return &Keystore{
		key:        key.PrivateKey,
		chainID:    chainID,
		address:    key.Address,
		defaultWal: opts.Default,
		perSub:     per,
		tokenKey:   tokenKey,
	}, nil
}

// Address returns the agent's wallet address used to sign transactions.
func (k *Keystore) Address() common.Address { return k.address }

// TransactOpts implements chain.Signer.
func (k *Keystore) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(k.key, k.chainID)
	if err != nil {
		return nil, fmt.Errorf("keystore: building transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

var _ chain.Signer = (*Keystore)(nil)

// GetPaymentWallet resolves the wallet address the agent should present as
// node_wallet for a given subscription, falling back to the default wallet
// when no per-subscription override is configured.
func (k *Keystore) GetPaymentWallet(subID uint64) (common.Address, error) {
	if addr, ok := k.perSub[subID]; ok {
		return addr, nil
	}
	if k.defaultWal != (common.Address{}) {
		return k.defaultWal, nil
	}
	return common.Address{}, ErrUnknownWallet
}

type capabilityClaims struct {
	jwt.RegisteredClaims
	ContainerID string `json:"container_id"`
	RequestID   string `json:"request_id"`
}

// IssueCapabilityToken mints a signed, short-lived token authorizing one
// container invocation for one request id. Nothing in this module calls it;
// the supervisor sends no token with its container requests.
func (k *Keystore) IssueCapabilityToken(containerID, requestID [32]byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := capabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   k.address.Hex(),
		},
		ContainerID: common.Bytes2Hex(containerID[:]),
		RequestID:   common.Bytes2Hex(requestID[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(k.tokenKey)
}

// VerifyCapabilityToken checks a token minted by IssueCapabilityToken and
// returns the container/request ids it authorizes.
func (k *Keystore) VerifyCapabilityToken(tokenString string) (containerID, requestID [32]byte, err error) {
	var claims capabilityClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return k.tokenKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return containerID, requestID, fmt.Errorf("keystore: verifying capability token: %w", err)
	}
	cidBytes := common.Hex2Bytes(claims.ContainerID)
	ridBytes := common.Hex2Bytes(claims.RequestID)
	copy(containerID[:], cidBytes)
	copy(requestID[:], ridBytes)
	return containerID, requestID, nil
}
