package lending

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"senja/crypto"
	"senja/storage"
)

var (
	poolPrefix     = []byte("lending:pool")
	positionPrefix = []byte("lending:pos")
	supplyPrefix   = []byte("lending:sup")
	badDebtPrefix  = []byte("lending:baddebt")
)

type positionRecord struct {
	Owner        []byte
	Collateral   *big.Int
	BorrowShares *big.Int
}

type supplyRecord struct {
	Shares *big.Int
}

type badDebtRecord struct {
	Borrower  []byte
	Shares    *big.Int
	Assets    *big.Int
	Timestamp uint64
}

// ledgerState reads and stages lending records on a KV store.
type ledgerState struct {
	kv storage.KV
}

func poolKey(id PoolID) []byte {
	return storage.PrefixKey(poolPrefix, []byte(id))
}

func positionKey(id PoolID, owner crypto.Address) []byte {
	return storage.PrefixKey(positionPrefix, []byte(id), owner.Bytes())
}

func supplyKey(id PoolID, owner crypto.Address) []byte {
	return storage.PrefixKey(supplyPrefix, []byte(id), owner.Bytes())
}

func (s ledgerState) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.kv.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("lending engine: decode %q: %w", key, err)
	}
	return true, nil
}

func (s ledgerState) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.kv.Put(key, encoded)
}

func (s ledgerState) hasPool(id PoolID) (bool, error) {
	var pool Pool
	return s.get(poolKey(id), &pool)
}

func (s ledgerState) pool(id PoolID) (*Pool, error) {
	pool := new(Pool)
	ok, err := s.get(poolKey(id), pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return pool.Clone(), nil
}

func (s ledgerState) putPool(id PoolID, pool *Pool) error {
	return s.put(poolKey(id), pool)
}

func (s ledgerState) position(id PoolID, owner crypto.Address) (*Position, error) {
	var rec positionRecord
	if _, err := s.get(positionKey(id, owner), &rec); err != nil {
		return nil, err
	}
	return &Position{Owner: owner, Collateral: cloneInt(rec.Collateral), BorrowShares: cloneInt(rec.BorrowShares)}, nil
}

// putPosition deletes the record once both collateral and debt reach zero.
func (s ledgerState) putPosition(id PoolID, pos *Position) error {
	key := positionKey(id, pos.Owner)
	if pos.IsEmpty() {
		return s.kv.Delete(key)
	}
	return s.put(key, &positionRecord{
		Owner:        pos.Owner.Bytes(),
		Collateral:   zeroIfNil(pos.Collateral),
		BorrowShares: zeroIfNil(pos.BorrowShares),
	})
}

func (s ledgerState) positions(id PoolID) ([]*Position, error) {
	var out []*Position
	var decodeErr error
	prefix := storage.PrefixKey(positionPrefix, []byte(id), nil)
	err := s.kv.Iterate(prefix, func(_, value []byte) bool {
		var rec positionRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, &Position{
			Owner:        crypto.NewAddress(crypto.SenjaPrefix, rec.Owner),
			Collateral:   cloneInt(rec.Collateral),
			BorrowShares: cloneInt(rec.BorrowShares),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("lending engine: decode position: %w", decodeErr)
	}
	return out, nil
}

func (s ledgerState) supplyShares(id PoolID, owner crypto.Address) (*big.Int, error) {
	var rec supplyRecord
	if _, err := s.get(supplyKey(id, owner), &rec); err != nil {
		return nil, err
	}
	return cloneInt(rec.Shares), nil
}

func (s ledgerState) putSupplyShares(id PoolID, owner crypto.Address, shares *big.Int) error {
	key := supplyKey(id, owner)
	if zeroIfNil(shares).Sign() == 0 {
		return s.kv.Delete(key)
	}
	return s.put(key, &supplyRecord{Shares: shares})
}

func (s ledgerState) putBadDebt(rec BadDebtRecord) error {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], rec.Timestamp)
	key := storage.PrefixKey(badDebtPrefix, []byte(rec.Pool), ts[:], rec.Borrower.Bytes())
	return s.put(key, &badDebtRecord{
		Borrower:  rec.Borrower.Bytes(),
		Shares:    zeroIfNil(rec.Shares),
		Assets:    zeroIfNil(rec.Assets),
		Timestamp: rec.Timestamp,
	})
}

func (s ledgerState) badDebts(id PoolID) ([]BadDebtRecord, error) {
	var out []BadDebtRecord
	var decodeErr error
	prefix := storage.PrefixKey(badDebtPrefix, []byte(id), nil)
	err := s.kv.Iterate(prefix, func(_, value []byte) bool {
		var rec badDebtRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, BadDebtRecord{
			Pool:      id,
			Borrower:  crypto.NewAddress(crypto.SenjaPrefix, rec.Borrower),
			Shares:    cloneInt(rec.Shares),
			Assets:    cloneInt(rec.Assets),
			Timestamp: rec.Timestamp,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("lending engine: decode bad debt: %w", decodeErr)
	}
	return out, nil
}
