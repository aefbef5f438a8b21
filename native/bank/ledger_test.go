package bank

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"senja/crypto"
	"senja/storage"
)

func addr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[19] = b
	return crypto.NewAddress(crypto.SenjaPrefix, raw)
}

func TestLedgerMintTransferBurn(t *testing.T) {
	db := storage.NewMemDB()
	ledger := NewLedger(db)
	alice, bob := addr(1), addr(2)

	require.NoError(t, ledger.Mint("usdc", alice, big.NewInt(100)))
	require.NoError(t, ledger.Transfer("USDC", alice, bob, big.NewInt(40)))
	require.NoError(t, ledger.Burn("USDC", bob, big.NewInt(15)))

	bal, err := ledger.Balance("USDC", alice)
	require.NoError(t, err)
	require.Equal(t, "60", bal.String())
	bal, err = ledger.Balance("USDC", bob)
	require.NoError(t, err)
	require.Equal(t, "25", bal.String())
	supply, err := ledger.TotalSupply("USDC")
	require.NoError(t, err)
	require.Equal(t, "85", supply.String())
}

func TestLedgerRejectsOverdraft(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	alice, bob := addr(1), addr(2)
	require.NoError(t, ledger.Mint("ETH", alice, big.NewInt(5)))

	err := ledger.Transfer("ETH", alice, bob, big.NewInt(6))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.ErrorIs(t, ledger.Transfer("ETH", alice, bob, big.NewInt(-1)), ErrInvalidAmount)
	require.ErrorIs(t, ledger.Mint(" ", alice, big.NewInt(1)), ErrTokenRequired)
}

func TestLedgerHookSeesMovements(t *testing.T) {
	var seen []string
	ledger := NewLedger(storage.NewMemDB()).WithHook(func(token string, from, to *crypto.Address, amount *big.Int) error {
		kind := "transfer"
		switch {
		case from == nil:
			kind = "mint"
		case to == nil:
			kind = "burn"
		}
		seen = append(seen, kind+":"+token+":"+amount.String())
		return nil
	})
	alice, bob := addr(1), addr(2)
	require.NoError(t, ledger.Mint("eth", alice, big.NewInt(3)))
	require.NoError(t, ledger.Transfer("eth", alice, bob, big.NewInt(2)))
	require.NoError(t, ledger.Burn("eth", bob, big.NewInt(1)))
	require.Equal(t, []string{"mint:ETH:3", "transfer:ETH:2", "burn:ETH:1"}, seen)
}
