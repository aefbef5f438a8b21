package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"senja/crypto"
	"senja/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the holder balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAmount rejects nil or negative amounts.
	ErrInvalidAmount = errors.New("bank: amount must not be negative")
	// ErrTokenRequired rejects blank token symbols.
	ErrTokenRequired = errors.New("bank: token required")
)

var (
	balancePrefix = []byte("bank:bal")
	supplyPrefix  = []byte("bank:supply")
)

// Hook observes every completed balance movement. A nil from or to marks a
// mint or burn respectively.
type Hook func(token string, from, to *crypto.Address, amount *big.Int) error

// Ledger tracks fungible token balances per (token, holder) on top of a KV
// store. Every mutation is staged on the store handed to NewLedger, so the
// caller decides when, and whether, the movements become durable.
type Ledger struct {
	kv   storage.KV
	hook Hook
}

// NewLedger constructs a token ledger over kv.
func NewLedger(kv storage.KV) *Ledger {
	return &Ledger{kv: kv}
}

// WithHook installs a movement observer and returns the ledger.
func (l *Ledger) WithHook(h Hook) *Ledger {
	l.hook = h
	return l
}

type balanceRecord struct {
	Amount *big.Int
}

// NormalizeToken canonicalises a token symbol.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func balanceKey(token string, holder crypto.Address) []byte {
	return storage.PrefixKey(balancePrefix, []byte(token), holder.Bytes())
}

func supplyKey(token string) []byte {
	return storage.PrefixKey(supplyPrefix, []byte(token))
}

func (l *Ledger) read(key []byte) (*big.Int, error) {
	raw, err := l.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	var rec balanceRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("bank: decode balance: %w", err)
	}
	if rec.Amount == nil {
		return big.NewInt(0), nil
	}
	return rec.Amount, nil
}

func (l *Ledger) write(key []byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return l.kv.Delete(key)
	}
	encoded, err := rlp.EncodeToBytes(&balanceRecord{Amount: amount})
	if err != nil {
		return err
	}
	return l.kv.Put(key, encoded)
}

// Balance returns the holder balance of token.
func (l *Ledger) Balance(token string, holder crypto.Address) (*big.Int, error) {
	token = NormalizeToken(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	return l.read(balanceKey(token, holder))
}

// TotalSupply returns the minted-minus-burned supply of token.
func (l *Ledger) TotalSupply(token string) (*big.Int, error) {
	token = NormalizeToken(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	return l.read(supplyKey(token))
}

// Transfer moves amount of token between holders.
func (l *Ledger) Transfer(token string, from, to crypto.Address, amount *big.Int) error {
	token, err := validate(token, amount)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 || from.Equal(to) {
		return nil
	}
	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	if err := l.credit(token, to, amount); err != nil {
		return err
	}
	return l.notify(token, &from, &to, amount)
}

// Mint credits newly issued tokens to the holder.
func (l *Ledger) Mint(token string, to crypto.Address, amount *big.Int) error {
	token, err := validate(token, amount)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.credit(token, to, amount); err != nil {
		return err
	}
	supply, err := l.read(supplyKey(token))
	if err != nil {
		return err
	}
	if err := l.write(supplyKey(token), new(big.Int).Add(supply, amount)); err != nil {
		return err
	}
	return l.notify(token, nil, &to, amount)
}

// Burn destroys tokens held by the holder.
func (l *Ledger) Burn(token string, from crypto.Address, amount *big.Int) error {
	token, err := validate(token, amount)
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	supply, err := l.read(supplyKey(token))
	if err != nil {
		return err
	}
	remaining := new(big.Int).Sub(supply, amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	if err := l.write(supplyKey(token), remaining); err != nil {
		return err
	}
	return l.notify(token, &from, nil, amount)
}

func (l *Ledger) debit(token string, holder crypto.Address, amount *big.Int) error {
	key := balanceKey(token, holder)
	balance, err := l.read(key)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, holder.String(), balance, token, amount)
	}
	return l.write(key, new(big.Int).Sub(balance, amount))
}

func (l *Ledger) credit(token string, holder crypto.Address, amount *big.Int) error {
	key := balanceKey(token, holder)
	balance, err := l.read(key)
	if err != nil {
		return err
	}
	return l.write(key, new(big.Int).Add(balance, amount))
}

func (l *Ledger) notify(token string, from, to *crypto.Address, amount *big.Int) error {
	if l.hook == nil {
		return nil
	}
	return l.hook(token, from, to, new(big.Int).Set(amount))
}

func validate(token string, amount *big.Int) (string, error) {
	token = NormalizeToken(token)
	if token == "" {
		return "", ErrTokenRequired
	}
	if amount == nil || amount.Sign() < 0 {
		return "", ErrInvalidAmount
	}
	return token, nil
}
