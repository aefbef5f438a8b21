package settlement

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"lukechampine.com/blake3"

	"senja/crypto"
)

var (
	// ErrDuplicateMessage is returned when an inbound (source, nonce) pair has
	// already been applied.
	ErrDuplicateMessage = errors.New("settlement: duplicate message")
	// ErrIntentNotFound is returned for unknown intent ids.
	ErrIntentNotFound = errors.New("settlement: intent not found")
	// ErrIntentResolved is returned when a terminal intent is resolved again.
	ErrIntentResolved = errors.New("settlement: intent already resolved")
	// ErrUntrustedRelayer is returned when a message is signed by an unknown key.
	ErrUntrustedRelayer = errors.New("settlement: untrusted relayer")
	// ErrInvalidSignature is returned for malformed signatures.
	ErrInvalidSignature = errors.New("settlement: invalid signature")
	// ErrInvalidMessage is returned for inbound messages missing fields.
	ErrInvalidMessage = errors.New("settlement: invalid message")
	// ErrUnknownAction is returned for inbound actions the ledger cannot apply.
	ErrUnknownAction = errors.New("settlement: unknown action")
)

// Status tracks the lifecycle of an outbound intent.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus converts the textual status back into its enum value.
func ParseStatus(v string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pending":
		return StatusPending, true
	case "delivered":
		return StatusDelivered, true
	case "failed":
		return StatusFailed, true
	}
	return 0, false
}

// IntentID is the blake3 digest identifying an intent.
type IntentID [32]byte

func (id IntentID) String() string { return hex.EncodeToString(id[:]) }

// ParseIntentID decodes a hex encoded intent id.
func ParseIntentID(v string) (IntentID, error) {
	var id IntentID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(v), "0x"))
	if err != nil || len(raw) != len(id) {
		return id, ErrIntentNotFound
	}
	copy(id[:], raw)
	return id, nil
}

// Intent is an outbound request for the messaging layer to deliver funds on
// another chain. Borrower and Pool identify the local position the funds were
// borrowed against so a failed delivery can be refunded.
type Intent struct {
	ID               IntentID
	Pool             string
	Borrower         []byte
	DestinationChain string
	Recipient        string
	Token            string
	Amount           *big.Int
	Nonce            uint64
	Deadline         uint64
	Status           Status
	CreatedAt        uint64
	ResolvedAt       uint64
	Published        bool
	Reason           string
}

// BorrowerAddress returns the local borrower as an address.
func (i *Intent) BorrowerAddress() crypto.Address {
	return crypto.NewAddress(crypto.SenjaPrefix, i.Borrower)
}

// Clone returns a deep copy of the intent.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Borrower = append([]byte(nil), i.Borrower...)
	if i.Amount != nil {
		clone.Amount = new(big.Int).Set(i.Amount)
	}
	return &clone
}

// ComputeIntentID hashes the canonical intent fields.
func ComputeIntentID(destination, recipient, token string, amount *big.Int, nonce, deadline uint64) IntentID {
	h := blake3.New(32, nil)
	writeField(h, []byte(strings.ToLower(strings.TrimSpace(destination))))
	writeField(h, []byte(strings.TrimSpace(recipient)))
	writeField(h, []byte(strings.ToUpper(strings.TrimSpace(token))))
	if amount != nil {
		writeField(h, amount.Bytes())
	} else {
		writeField(h, nil)
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nonce)
	binary.BigEndian.PutUint64(buf[8:], deadline)
	h.Write(buf[:])
	var id IntentID
	copy(id[:], h.Sum(nil))
	return id
}

// EscrowAddress derives the account holding funds for intents bound to chain.
func EscrowAddress(chain string) crypto.Address {
	sum := blake3.Sum256([]byte("senja/settlement/escrow/" + strings.ToLower(strings.TrimSpace(chain))))
	return crypto.NewAddress(crypto.SenjaPrefix, sum[:crypto.AddressLength])
}

type fieldWriter interface {
	Write(p []byte) (int, error)
}

func writeField(w fieldWriter, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.Write(l[:])
	w.Write(b)
}
