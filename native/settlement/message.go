package settlement

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"lukechampine.com/blake3"

	"senja/crypto"
)

// Action selects what an inbound settlement does with the bridged funds.
type Action string

const (
	// ActionCredit mints the bridged amount to the recipient.
	ActionCredit Action = "credit"
	// ActionSupplyCollateral pledges the bridged amount as collateral.
	ActionSupplyCollateral Action = "supply_collateral"
	// ActionRepay applies the bridged amount against the recipient's debt.
	ActionRepay Action = "repay"
)

// Valid reports whether the action is understood.
func (a Action) Valid() bool {
	switch a {
	case ActionCredit, ActionSupplyCollateral, ActionRepay:
		return true
	}
	return false
}

// Message is an inbound settlement delivered by the messaging layer.
type Message struct {
	SourceChain string
	Nonce       uint64
	Recipient   crypto.Address
	Token       string
	Amount      *big.Int
	Action      Action
	Pool        string
	Signature   []byte
}

// Validate checks the structural requirements of the message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SourceChain) == "" {
		return fmt.Errorf("%w: source chain required", ErrInvalidMessage)
	}
	if len(m.Recipient.Bytes()) != crypto.AddressLength {
		return fmt.Errorf("%w: recipient required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Token) == "" {
		return fmt.Errorf("%w: token required", ErrInvalidMessage)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidMessage)
	}
	if !m.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	if m.Action != ActionCredit && strings.TrimSpace(m.Pool) == "" {
		return fmt.Errorf("%w: pool required for %s", ErrInvalidMessage, m.Action)
	}
	return nil
}

// Digest returns the 32-byte hash relayers sign for delivery to chainID.
func (m Message) Digest(chainID string) []byte {
	h := blake3.New(32, nil)
	writeField(h, []byte("senja/settlement/v1"))
	writeField(h, []byte(normalizeChain(chainID)))
	writeField(h, []byte(strings.ToLower(strings.TrimSpace(m.SourceChain))))
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], m.Nonce)
	h.Write(nonce[:])
	writeField(h, m.Recipient.Bytes())
	writeField(h, []byte(strings.ToUpper(strings.TrimSpace(m.Token))))
	if m.Amount != nil {
		writeField(h, m.Amount.Bytes())
	} else {
		writeField(h, nil)
	}
	writeField(h, []byte(m.Action))
	writeField(h, []byte(strings.TrimSpace(m.Pool)))
	return h.Sum(nil)
}

// Sign attaches a relayer signature for delivery to chainID.
func Sign(key *crypto.PrivateKey, chainID string, m Message) (Message, error) {
	sig, err := key.Sign(m.Digest(chainID))
	if err != nil {
		return m, err
	}
	m.Signature = sig
	return m, nil
}

// Verifier authenticates inbound messages addressed to one chain against a
// trusted relayer set.
type Verifier struct {
	chainID string
	trusted map[string]struct{}
}

// NewVerifier builds a verifier for messages delivered to chainID, trusting
// the supplied relayer addresses.
func NewVerifier(chainID string, relayers ...crypto.Address) *Verifier {
	v := &Verifier{chainID: normalizeChain(chainID), trusted: make(map[string]struct{}, len(relayers))}
	for _, r := range relayers {
		v.trusted[string(r.Bytes())] = struct{}{}
	}
	return v
}

// ChainID returns the receiving chain the verifier accepts messages for.
func (v *Verifier) ChainID() string {
	if v == nil {
		return ""
	}
	return v.chainID
}

// Trusted reports the number of configured relayers.
func (v *Verifier) Trusted() int {
	if v == nil {
		return 0
	}
	return len(v.trusted)
}

// Verify recovers the signer and checks it is trusted.
func (v *Verifier) Verify(m Message) (crypto.Address, error) {
	if v == nil || len(v.trusted) == 0 || v.chainID == "" {
		return crypto.Address{}, ErrUntrustedRelayer
	}
	signer, err := crypto.RecoverAddress(crypto.RelayerPrefix, m.Digest(v.chainID), m.Signature)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, ok := v.trusted[string(signer.Bytes())]; !ok {
		return crypto.Address{}, fmt.Errorf("%w: %s", ErrUntrustedRelayer, signer.String())
	}
	return signer, nil
}
