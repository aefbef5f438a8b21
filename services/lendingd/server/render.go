package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"senja/crypto"
	"senja/native/lending"
)

const requestLimit = 1 << 20 // 1 MiB

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
}

// writeEngineError renders an engine failure with its reason code.
func writeEngineError(w http.ResponseWriter, err error) {
	code := lending.Code(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, string(code), message)
}

func statusForCode(code lending.ReasonCode) int {
	switch code {
	case lending.CodeOK:
		return http.StatusOK
	case lending.CodeUnknownPool, lending.CodeIntentNotFound:
		return http.StatusNotFound
	case lending.CodeInvalidParams, lending.CodeInvalidAmount, lending.CodeZeroShares, lending.CodeInvalidMessage:
		return http.StatusBadRequest
	case lending.CodeInsufficientLiquidity, lending.CodeExceedsLTV, lending.CodePositionHealthy,
		lending.CodeRepayExceedsDebt, lending.CodeInsufficientShares, lending.CodeInsufficientCollateral,
		lending.CodeInsufficientBalance, lending.CodePoolInsolvent:
		return http.StatusUnprocessableEntity
	case lending.CodeDuplicateMessage, lending.CodeIntentResolved:
		return http.StatusConflict
	case lending.CodeUntrustedRelayer:
		return http.StatusForbidden
	case lending.CodeStalePrice, lending.CodeInvalidPrice, lending.CodePaused, lending.CodeSettlementDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// parseAmount accepts a base-10 integer in raw token units. Empty input is
// allowed only when optional is set and yields zero.
func parseAmount(field, raw string, optional bool) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if optional {
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("%s required", field)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be an integer", field)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%s must not be negative", field)
	}
	return value, nil
}

func parseAddress(field, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

// Amount renders a raw integer alongside its decimal form.
type Amount struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

func newAmount(v *big.Int, decimals uint8) Amount {
	if v == nil {
		v = big.NewInt(0)
	}
	return Amount{Raw: v.String(), Display: decimal.NewFromBigInt(v, -int32(decimals)).String()}
}

// wadString renders a wad fraction such as a rate or health factor.
func wadString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromBigInt(v, -18).String()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
