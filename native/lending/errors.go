package lending

import (
	"errors"

	"senja/native/bank"
	nativecommon "senja/native/common"
	"senja/native/oracle"
	"senja/native/settlement"
)

var (
	errNilState = errors.New("lending engine: state not configured")

	ErrUnknownPool            = errors.New("lending engine: unknown pool")
	ErrPoolExists             = errors.New("lending engine: pool already registered")
	ErrInvalidParams          = errors.New("lending engine: invalid pool parameters")
	ErrInvalidAmount          = errors.New("lending engine: amount must be positive")
	ErrInsufficientLiquidity  = errors.New("lending engine: insufficient liquidity")
	ErrExceedsLTV             = errors.New("lending engine: position would exceed ltv")
	ErrPositionHealthy        = errors.New("lending engine: position is healthy")
	ErrRepayExceedsDebt       = errors.New("lending engine: repay exceeds debt")
	ErrInsufficientShares     = errors.New("lending engine: insufficient supply shares")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	ErrZeroShares             = errors.New("lending engine: amount rounds to zero shares")
	ErrBadDebtResidual        = errors.New("lending engine: bad debt residual written off")
	ErrPoolInsolvent          = errors.New("lending engine: pool supply fully written off")
	ErrSettlementDisabled     = errors.New("lending engine: cross-chain settlement not configured")

	// Oracle failures surface unchanged so callers can match either package.
	ErrStalePrice   = oracle.ErrStalePrice
	ErrInvalidPrice = oracle.ErrInvalidPrice
)

// ReasonCode is the stable, machine-readable name of a failure.
type ReasonCode string

const (
	CodeOK                     ReasonCode = ""
	CodeUnknownPool            ReasonCode = "UnknownPool"
	CodeInvalidParams          ReasonCode = "InvalidParams"
	CodeInvalidAmount          ReasonCode = "InvalidAmount"
	CodeInsufficientLiquidity  ReasonCode = "InsufficientLiquidity"
	CodeExceedsLTV             ReasonCode = "ExceedsLTV"
	CodePositionHealthy        ReasonCode = "PositionHealthy"
	CodeRepayExceedsDebt       ReasonCode = "RepayExceedsDebt"
	CodeInsufficientShares     ReasonCode = "InsufficientShares"
	CodeInsufficientCollateral ReasonCode = "InsufficientCollateral"
	CodeInsufficientBalance    ReasonCode = "InsufficientBalance"
	CodeZeroShares             ReasonCode = "ZeroShares"
	CodeStalePrice             ReasonCode = "StalePrice"
	CodeInvalidPrice           ReasonCode = "InvalidPrice"
	CodeBadDebtResidual        ReasonCode = "BadDebtResidual"
	CodePaused                 ReasonCode = "Paused"
	CodePoolInsolvent          ReasonCode = "PoolInsolvent"
	CodeDuplicateMessage       ReasonCode = "DuplicateMessage"
	CodeUntrustedRelayer       ReasonCode = "UntrustedRelayer"
	CodeInvalidMessage         ReasonCode = "InvalidMessage"
	CodeIntentNotFound         ReasonCode = "IntentNotFound"
	CodeIntentResolved         ReasonCode = "IntentResolved"
	CodeSettlementDisabled     ReasonCode = "SettlementDisabled"
	CodeInternal               ReasonCode = "Internal"
)

var reasonTable = []struct {
	err  error
	code ReasonCode
}{
	{ErrUnknownPool, CodeUnknownPool},
	{ErrPoolExists, CodeInvalidParams},
	{ErrInvalidParams, CodeInvalidParams},
	{errInvalidInterestModel, CodeInvalidParams},
	{ErrInvalidAmount, CodeInvalidAmount},
	{bank.ErrInvalidAmount, CodeInvalidAmount},
	{ErrInsufficientLiquidity, CodeInsufficientLiquidity},
	{ErrExceedsLTV, CodeExceedsLTV},
	{ErrPositionHealthy, CodePositionHealthy},
	{ErrRepayExceedsDebt, CodeRepayExceedsDebt},
	{ErrInsufficientShares, CodeInsufficientShares},
	{ErrInsufficientCollateral, CodeInsufficientCollateral},
	{bank.ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrZeroShares, CodeZeroShares},
	{oracle.ErrStalePrice, CodeStalePrice},
	{oracle.ErrInvalidPrice, CodeInvalidPrice},
	{oracle.ErrUnknownAsset, CodeInvalidPrice},
	{ErrBadDebtResidual, CodeBadDebtResidual},
	{nativecommon.ErrModulePaused, CodePaused},
	{ErrPoolInsolvent, CodePoolInsolvent},
	{settlement.ErrDuplicateMessage, CodeDuplicateMessage},
	{settlement.ErrUntrustedRelayer, CodeUntrustedRelayer},
	{settlement.ErrInvalidSignature, CodeUntrustedRelayer},
	{settlement.ErrInvalidMessage, CodeInvalidMessage},
	{settlement.ErrUnknownAction, CodeInvalidMessage},
	{settlement.ErrIntentNotFound, CodeIntentNotFound},
	{settlement.ErrIntentResolved, CodeIntentResolved},
	{ErrSettlementDisabled, CodeSettlementDisabled},
}

// Code maps an error returned by the engine onto its reason code. Unknown
// errors map to CodeInternal and nil maps to CodeOK.
func Code(err error) ReasonCode {
	if err == nil {
		return CodeOK
	}
	for _, entry := range reasonTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}
