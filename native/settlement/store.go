package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"senja/crypto"
	"senja/storage"
)

var (
	intentPrefix  = []byte("settle:intent")
	pendingPrefix = []byte("settle:pending")
	noncePrefix   = []byte("settle:nonce")
	seenPrefix    = []byte("settle:seen")
)

// Request carries the caller-controlled fields of a new intent.
type Request struct {
	Pool             string
	Borrower         crypto.Address
	DestinationChain string
	Recipient        string
	Token            string
	Amount           *big.Int
	TTL              uint64
}

// Receipt is persisted once per accepted inbound message.
type Receipt struct {
	SourceChain string
	Nonce       uint64
	Relayer     []byte
	Action      string
	ReceivedAt  uint64
}

// Store persists intents and inbound receipts on a KV store. It performs no
// commits of its own; callers stage it on a journal so the intent lands
// atomically with the ledger mutation that produced it.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

func intentKey(id IntentID) []byte {
	return storage.PrefixKey(intentPrefix, id[:])
}

func pendingKey(id IntentID) []byte {
	return storage.PrefixKey(pendingPrefix, id[:])
}

func nonceKey(chain string) []byte {
	return storage.PrefixKey(noncePrefix, []byte(chain))
}

func seenKey(chain string, nonce uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return storage.PrefixKey(seenPrefix, []byte(chain), n[:])
}

func normalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// NextNonce returns the nonce the next intent to chain will carry.
func (s *Store) NextNonce(chain string) (uint64, error) {
	raw, err := s.kv.Get(nonceKey(normalizeChain(chain)))
	if errors.Is(err, storage.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("settlement: corrupt nonce for %s", chain)
	}
	return binary.BigEndian.Uint64(raw) + 1, nil
}

// Create records a pending intent, consuming the next nonce of its
// destination chain.
func (s *Store) Create(req Request, now uint64) (*Intent, error) {
	chain := normalizeChain(req.DestinationChain)
	if chain == "" {
		return nil, fmt.Errorf("settlement: destination chain required")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, fmt.Errorf("settlement: recipient required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("settlement: amount must be positive")
	}
	nonce, err := s.NextNonce(chain)
	if err != nil {
		return nil, err
	}
	deadline := now + req.TTL
	intent := &Intent{
		Pool:             strings.TrimSpace(req.Pool),
		Borrower:         append([]byte(nil), req.Borrower.Bytes()...),
		DestinationChain: chain,
		Recipient:        strings.TrimSpace(req.Recipient),
		Token:            strings.ToUpper(strings.TrimSpace(req.Token)),
		Amount:           new(big.Int).Set(req.Amount),
		Nonce:            nonce,
		Deadline:         deadline,
		Status:           StatusPending,
		CreatedAt:        now,
	}
	intent.ID = ComputeIntentID(chain, intent.Recipient, intent.Token, intent.Amount, nonce, deadline)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	if err := s.kv.Put(nonceKey(chain), n[:]); err != nil {
		return nil, err
	}
	if err := s.put(intent); err != nil {
		return nil, err
	}
	if err := s.kv.Put(pendingKey(intent.ID), []byte{1}); err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

func (s *Store) put(intent *Intent) error {
	encoded, err := rlp.EncodeToBytes(intent)
	if err != nil {
		return fmt.Errorf("settlement: encode intent: %w", err)
	}
	return s.kv.Put(intentKey(intent.ID), encoded)
}

// Get loads an intent by id.
func (s *Store) Get(id IntentID) (*Intent, error) {
	raw, err := s.kv.Get(intentKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	intent := new(Intent)
	if err := rlp.DecodeBytes(raw, intent); err != nil {
		return nil, fmt.Errorf("settlement: decode intent: %w", err)
	}
	return intent, nil
}

// Resolve moves a pending intent into a terminal status.
func (s *Store) Resolve(id IntentID, status Status, reason string, now uint64) (*Intent, error) {
	if status != StatusDelivered && status != StatusFailed {
		return nil, fmt.Errorf("settlement: invalid terminal status %s", status)
	}
	intent, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrIntentResolved, id, intent.Status)
	}
	intent.Status = status
	intent.Reason = strings.TrimSpace(reason)
	intent.ResolvedAt = now
	if err := s.put(intent); err != nil {
		return nil, err
	}
	if err := s.kv.Delete(pendingKey(id)); err != nil {
		return nil, err
	}
	return intent, nil
}

// MarkPublished flags a pending intent as handed to the transport.
func (s *Store) MarkPublished(id IntentID) error {
	intent, err := s.Get(id)
	if err != nil {
		return err
	}
	if intent.Published {
		return nil
	}
	intent.Published = true
	return s.put(intent)
}

// Pending lists every intent still awaiting resolution.
func (s *Store) Pending() ([]*Intent, error) {
	var ids []IntentID
	prefix := storage.PrefixKey(pendingPrefix, nil)
	err := s.kv.Iterate(prefix, func(key, _ []byte) bool {
		var id IntentID
		if len(key)-len(prefix) == len(id) {
			copy(id[:], key[len(prefix):])
			ids = append(ids, id)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Intent, 0, len(ids))
	for _, id := range ids {
		intent, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, nil
}

// Due lists pending intents whose deadline has passed.
func (s *Store) Due(now uint64) ([]*Intent, error) {
	pending, err := s.Pending()
	if err != nil {
		return nil, err
	}
	out := pending[:0]
	for _, intent := range pending {
		if intent.Deadline > 0 && now > intent.Deadline {
			out = append(out, intent)
		}
	}
	return out, nil
}

// Seen reports whether an inbound (chain, nonce) pair was already applied.
func (s *Store) Seen(chain string, nonce uint64) (bool, error) {
	_, err := s.kv.Get(seenKey(normalizeChain(chain), nonce))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MarkReceived records an inbound receipt, failing with ErrDuplicateMessage
// when the pair was seen before.
func (s *Store) MarkReceived(receipt Receipt) error {
	chain := normalizeChain(receipt.SourceChain)
	seen, err := s.Seen(chain, receipt.Nonce)
	if err != nil {
		return err
	}
	if seen {
		return fmt.Errorf("%w: %s/%d", ErrDuplicateMessage, chain, receipt.Nonce)
	}
	receipt.SourceChain = chain
	encoded, err := rlp.EncodeToBytes(&receipt)
	if err != nil {
		return err
	}
	return s.kv.Put(seenKey(chain, receipt.Nonce), encoded)
}
