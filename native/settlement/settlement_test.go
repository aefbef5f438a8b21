package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"senja/crypto"
	"senja/storage"
)

func borrower() crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xB0
	return crypto.NewAddress(crypto.SenjaPrefix, raw)
}

func newRequest(amount int64) Request {
	return Request{
		Pool:             "ETH/USDC/8000",
		Borrower:         borrower(),
		DestinationChain: "Base",
		Recipient:        "0xabc",
		Token:            "usdc",
		Amount:           big.NewInt(amount),
		TTL:              600,
	}
}

func TestCreateAssignsMonotonicNonces(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	first, err := store.Create(newRequest(10), 1000)
	require.NoError(t, err)
	second, err := store.Create(newRequest(10), 1000)
	require.NoError(t, err)
	other, err := store.Create(Request{DestinationChain: "arbitrum", Recipient: "0x1", Token: "usdc", Amount: big.NewInt(1)}, 1000)
	require.NoError(t, err)

	require.Equal(t, uint64(1), first.Nonce)
	require.Equal(t, uint64(2), second.Nonce)
	require.Equal(t, uint64(1), other.Nonce)
	require.NotEqual(t, first.ID, second.ID, "nonce participates in the id")
	require.Equal(t, "base", first.DestinationChain)
	require.Equal(t, uint64(1600), first.Deadline)
	require.Equal(t, StatusPending, first.Status)
	require.True(t, first.BorrowerAddress().Equal(borrower()))

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
}

func TestResolveIsTerminal(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	intent, err := store.Create(newRequest(10), 1000)
	require.NoError(t, err)

	resolved, err := store.Resolve(intent.ID, StatusDelivered, "", 1100)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, resolved.Status)
	require.Equal(t, uint64(1100), resolved.ResolvedAt)

	_, err = store.Resolve(intent.ID, StatusFailed, "late", 1200)
	require.ErrorIs(t, err, ErrIntentResolved)
	_, err = store.Resolve(IntentID{1}, StatusFailed, "", 1200)
	require.ErrorIs(t, err, ErrIntentNotFound)
	_, err = store.Resolve(intent.ID, StatusPending, "", 1200)
	require.Error(t, err)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDueHonoursDeadline(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	intent, err := store.Create(newRequest(10), 1000)
	require.NoError(t, err)

	due, err := store.Due(1600)
	require.NoError(t, err)
	require.Empty(t, due)
	due, err = store.Due(1601)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, intent.ID, due[0].ID)
}

func TestMarkReceivedDedupes(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	require.NoError(t, store.MarkReceived(Receipt{SourceChain: "Base", Nonce: 4, Action: "credit"}))
	err := store.MarkReceived(Receipt{SourceChain: "base", Nonce: 4, Action: "repay"})
	require.ErrorIs(t, err, ErrDuplicateMessage)
	require.NoError(t, store.MarkReceived(Receipt{SourceChain: "base", Nonce: 5}))
	require.NoError(t, store.MarkReceived(Receipt{SourceChain: "arbitrum", Nonce: 4}))
}

func TestVerifierChecksRelayer(t *testing.T) {
	relayer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	stranger, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	verifier := NewVerifier("senja-1", relayer.PubKey().Address(crypto.RelayerPrefix))

	msg := Message{SourceChain: "base", Nonce: 1, Recipient: borrower(), Token: "USDC", Amount: big.NewInt(5), Action: ActionCredit}
	require.NoError(t, msg.Validate())

	signed, err := Sign(relayer, "senja-1", msg)
	require.NoError(t, err)
	signer, err := verifier.Verify(signed)
	require.NoError(t, err)
	require.True(t, signer.Equal(relayer.PubKey().Address(crypto.RelayerPrefix)))

	forged, err := Sign(stranger, "senja-1", msg)
	require.NoError(t, err)
	_, err = verifier.Verify(forged)
	require.ErrorIs(t, err, ErrUntrustedRelayer)

	tampered := signed
	tampered.Amount = big.NewInt(500)
	_, err = verifier.Verify(tampered)
	require.Error(t, err)

	_, err = verifier.Verify(Message{Signature: []byte{1, 2}})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifierBindsReceivingChain(t *testing.T) {
	relayer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	addr := relayer.PubKey().Address(crypto.RelayerPrefix)
	home := NewVerifier("Senja-1", addr)
	other := NewVerifier("senja-testnet", addr)
	require.Equal(t, "senja-1", home.ChainID())

	msg := Message{SourceChain: "base", Nonce: 9, Recipient: borrower(), Token: "USDC", Amount: big.NewInt(5), Action: ActionCredit}
	signed, err := Sign(relayer, " senja-1 ", msg)
	require.NoError(t, err)
	_, err = home.Verify(signed)
	require.NoError(t, err)

	_, err = other.Verify(signed)
	require.ErrorIs(t, err, ErrUntrustedRelayer, "signed for another chain")
	require.NotEqual(t, msg.Digest("senja-1"), msg.Digest("senja-testnet"))

	_, err = NewVerifier("", addr).Verify(signed)
	require.ErrorIs(t, err, ErrUntrustedRelayer)
}

func TestMessageValidate(t *testing.T) {
	msg := Message{SourceChain: "base", Recipient: borrower(), Token: "USDC", Amount: big.NewInt(1), Action: ActionRepay}
	require.ErrorIs(t, msg.Validate(), ErrInvalidMessage, "repay needs a pool")
	msg.Pool = "ETH/USDC/8000"
	require.NoError(t, msg.Validate())
	msg.Action = "teleport"
	require.ErrorIs(t, msg.Validate(), ErrUnknownAction)
}

func TestHTTPTransportPostsIntent(t *testing.T) {
	var got intentPayload
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := NewStore(storage.NewMemDB())
	intent, err := store.Create(newRequest(42), 1000)
	require.NoError(t, err)

	transport := NewHTTPTransport(srv.Client(), srv.URL, "tok")
	require.NoError(t, transport.Send(context.Background(), intent))
	require.Equal(t, "Bearer tok", auth)
	require.Equal(t, intent.ID.String(), idem)
	require.Equal(t, "42", got.Amount)
	require.Equal(t, uint64(1), got.Nonce)

	parsed, err := ParseIntentID(intent.ID.String())
	require.NoError(t, err)
	require.Equal(t, intent.ID, parsed)
}
