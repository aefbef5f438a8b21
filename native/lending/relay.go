package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"senja/core/events"
	"senja/crypto"
	"senja/native/bank"
	"senja/native/settlement"
)

func intentEvent(kind string, intent *settlement.Intent) events.SettlementIntent {
	return events.SettlementIntent{
		Kind:             kind,
		ID:               intent.ID.String(),
		Pool:             intent.Pool,
		Borrower:         intent.BorrowerAddress(),
		DestinationChain: intent.DestinationChain,
		Recipient:        intent.Recipient,
		Token:            intent.Token,
		Amount:           cloneInt(intent.Amount),
		Nonce:            intent.Nonce,
		Status:           intent.Status.String(),
		Reason:           intent.Reason,
	}
}

// Intent returns a committed settlement intent.
func (e *Engine) Intent(id settlement.IntentID) (*settlement.Intent, error) {
	var out *settlement.Intent
	err := e.view(func(_ ledgerState, _ *bank.Ledger, store *settlement.Store) error {
		var err error
		out, err = store.Get(id)
		return err
	})
	return out, err
}

// PendingIntents lists every intent awaiting resolution.
func (e *Engine) PendingIntents() ([]*settlement.Intent, error) {
	var out []*settlement.Intent
	err := e.view(func(_ ledgerState, _ *bank.Ledger, store *settlement.Store) error {
		var err error
		out, err = store.Pending()
		return err
	})
	return out, err
}

// SettlementSeen reports whether the inbound (chain, nonce) pair was applied.
func (e *Engine) SettlementSeen(chain string, nonce uint64) (bool, error) {
	var seen bool
	err := e.view(func(_ ledgerState, _ *bank.Ledger, store *settlement.Store) error {
		var err error
		seen, err = store.Seen(chain, nonce)
		return err
	})
	return seen, err
}

// ResolveIntent records the outcome reported by the messaging layer. A
// delivered intent burns the escrowed funds, since they now exist on the
// destination chain. A failed intent refunds the escrow to the borrower
// locally; the debt it was borrowed against is unaffected.
func (e *Engine) ResolveIntent(id settlement.IntentID, delivered bool, reason string) (*settlement.Intent, error) {
	status := settlement.StatusFailed
	if delivered {
		status = settlement.StatusDelivered
	}
	var out *settlement.Intent
	err := e.mutate("settlement", func(t *tx) error {
		var err error
		out, err = t.resolveIntent(id, status, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) resolveIntent(id settlement.IntentID, status settlement.Status, reason string) (*settlement.Intent, error) {
	intent, err := t.intents.Resolve(id, status, reason, t.now)
	if err != nil {
		return nil, err
	}
	escrow := settlement.EscrowAddress(intent.DestinationChain)
	switch status {
	case settlement.StatusDelivered:
		err = t.bank.Burn(intent.Token, escrow, intent.Amount)
	case settlement.StatusFailed:
		err = t.bank.Transfer(intent.Token, escrow, intent.BorrowerAddress(), intent.Amount)
	}
	if err != nil {
		return nil, err
	}
	t.emit(intentEvent(events.TypeSettlementIntentResolved, intent))
	return intent, nil
}

// ExpireIntents fails every pending intent whose deadline has passed and
// refunds its escrow. The expired intents are returned.
func (e *Engine) ExpireIntents() ([]*settlement.Intent, error) {
	var expired []*settlement.Intent
	err := e.mutate("settlement", func(t *tx) error {
		due, err := t.intents.Due(t.now)
		if err != nil {
			return err
		}
		for _, intent := range due {
			resolved, err := t.resolveIntent(intent.ID, settlement.StatusFailed, "expired")
			if err != nil {
				return err
			}
			expired = append(expired, resolved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// DispatchIntents publishes committed, unpublished intents through transport.
// Sending happens outside the engine lock; an intent whose send fails stays
// pending and unpublished for the next attempt.
func (e *Engine) DispatchIntents(ctx context.Context, transport settlement.Transport) (int, error) {
	if transport == nil {
		return 0, ErrSettlementDisabled
	}
	pending, err := e.PendingIntents()
	if err != nil {
		return 0, err
	}
	var errs []error
	sent := 0
	for _, intent := range pending {
		if intent.Published {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := transport.Send(ctx, intent); err != nil {
			e.logger.Warn("settlement intent send failed", slog.String("id", intent.ID.String()), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		id := intent.ID
		if err := e.mutate("", func(t *tx) error { return t.intents.MarkPublished(id) }); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// OnSettlementReceived applies an inbound message from the messaging layer.
// The relayer signature is verified first; the (source chain, nonce) receipt
// is written in the same transaction as the ledger effects, so a duplicate
// delivery fails with ErrDuplicateMessage and changes nothing.
func (e *Engine) OnSettlementReceived(msg settlement.Message) error {
	if e == nil {
		return errNilState
	}
	if e.verifier == nil {
		return ErrSettlementDisabled
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	relayer, err := e.verifier.Verify(msg)
	if err != nil {
		return err
	}
	return e.mutate("settlement", func(t *tx) error {
		err := t.intents.MarkReceived(settlement.Receipt{
			SourceChain: msg.SourceChain,
			Nonce:       msg.Nonce,
			Relayer:     relayer.Bytes(),
			Action:      string(msg.Action),
			ReceivedAt:  t.now,
		})
		if err != nil {
			return err
		}
		if err := t.applyInbound(msg); err != nil {
			return err
		}
		t.emit(events.SettlementReceived{
			SourceChain: strings.ToLower(strings.TrimSpace(msg.SourceChain)),
			Nonce:       msg.Nonce,
			Recipient:   msg.Recipient,
			Token:       msg.Token,
			Amount:      cloneInt(msg.Amount),
			Action:      string(msg.Action),
			Pool:        msg.Pool,
			Relayer:     relayer,
		})
		return nil
	})
}

func (t *tx) applyInbound(msg settlement.Message) error {
	recipient := crypto.NewAddress(crypto.SenjaPrefix, msg.Recipient.Bytes())
	token := bank.NormalizeToken(msg.Token)
	if err := t.bank.Mint(token, recipient, msg.Amount); err != nil {
		return err
	}
	switch msg.Action {
	case settlement.ActionCredit:
		return nil
	case settlement.ActionSupplyCollateral:
		id := PoolID(strings.TrimSpace(msg.Pool))
		params, err := t.e.Params(id)
		if err != nil {
			return err
		}
		if params.CollateralToken != token {
			return fmt.Errorf("%w: %s is not the collateral of %s", settlement.ErrInvalidMessage, token, id)
		}
		return t.supplyCollateral(id, recipient, recipient, msg.Amount)
	case settlement.ActionRepay:
		id := PoolID(strings.TrimSpace(msg.Pool))
		params, err := t.e.Params(id)
		if err != nil {
			return err
		}
		if params.BorrowToken != token {
			return fmt.Errorf("%w: %s is not the borrow token of %s", settlement.ErrInvalidMessage, token, id)
		}
		return t.repayAssets(id, recipient, msg.Amount)
	default:
		return fmt.Errorf("%w: %q", settlement.ErrUnknownAction, msg.Action)
	}
}

// repayAssets converts an asset amount into the borrow shares it fully pays
// for, capped at the position's debt. Anything left over stays credited to the
// borrower.
func (t *tx) repayAssets(id PoolID, borrower crypto.Address, amount *big.Int) error {
	_, pool, err := t.accrued(id)
	if err != nil {
		return err
	}
	pos, err := t.state.position(id, borrower)
	if err != nil {
		return err
	}
	shares := toSharesDown(amount, pool.TotalBorrowAssets, pool.TotalBorrowShares)
	if shares.Cmp(pos.BorrowShares) > 0 {
		shares = new(big.Int).Set(pos.BorrowShares)
	}
	if shares.Sign() == 0 {
		return nil
	}
	_, err = t.repay(id, borrower, borrower, shares)
	return err
}
