package ledger

import (
	"errors"
	"net/http"

	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
)

var (
	// Input validation.
	ErrInvalidTokenAmount = errors.New("ledger: invalid token amount")
	ErrInvalidSizeDelta   = errors.New("ledger: invalid size delta")
	ErrInvalidDirection   = errors.New("ledger: direction must be long or short")
	ErrInvalidVault       = errors.New("ledger: invalid vault parameters")

	// Preconditions.
	ErrInsufficientLiquidityToEnterPosition = errors.New("ledger: insufficient liquidity to enter position")
	ErrInsufficientLiquidityForSwap         = errors.New("ledger: insufficient liquidity for swap")
	ErrInsufficientLiquidity                = errors.New("ledger: insufficient vault liquidity")
	ErrInvalidFundingInterval               = errors.New("ledger: funding interval has not elapsed")
	ErrCannotCloseVaultWithDepositedAssets  = errors.New("ledger: cannot close vault with deposited assets")
	ErrCannotCloseVaultWithReservedAssets   = errors.New("ledger: cannot close vault with reserved assets")
	ErrSlippageExceeded                     = errors.New("ledger: swap output below minimum")
	ErrPositionHealthy                      = errors.New("ledger: position is not eligible for liquidation")
	ErrInsufficientFunds                    = errors.New("ledger: insufficient funds")
	ErrUnauthorized                         = errors.New("ledger: transfer not authorized by source account")
	ErrNotPositionOwner                     = errors.New("ledger: authority does not own position")

	// Invariants.
	ErrPositionLeverageExceedsLimit = errors.New("ledger: position leverage exceeds limit")
	ErrInsufficientCollateralForFee = errors.New("ledger: insufficient collateral for fee")

	// Oracle.
	ErrMissingPrice = errors.New("ledger: vault has no oracle price")
)

// Class groups errors by how a caller should react to them.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassPrecondition
	ClassNotFound
	ClassInvariant
	ClassArithmetic
	ClassOracle
)

var classNames = map[Class]string{
	ClassInternal:     "internal",
	ClassValidation:   "validation",
	ClassPrecondition: "precondition",
	ClassNotFound:     "not_found",
	ClassInvariant:    "invariant",
	ClassArithmetic:   "arithmetic",
	ClassOracle:       "oracle",
}

func (c Class) String() string { return classNames[c] }

// HTTPStatus maps a class onto a response code.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassPrecondition:
		return http.StatusConflict
	case ClassNotFound:
		return http.StatusNotFound
	case ClassInvariant:
		return http.StatusUnprocessableEntity
	case ClassOracle:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassValidation, []error{
		ErrInvalidTokenAmount, ErrInvalidSizeDelta, ErrInvalidDirection, ErrInvalidVault,
		model.ErrInvalidConfig, oracle.ErrInvalidReading, oracle.ErrUnknownOracleType,
		fixed.ErrInvalidPrice,
	}},
	{ClassNotFound, []error{model.ErrNotFound}},
	{ClassPrecondition, []error{
		ErrInsufficientLiquidityToEnterPosition, ErrInsufficientLiquidityForSwap,
		ErrInsufficientLiquidity, ErrInvalidFundingInterval,
		ErrCannotCloseVaultWithDepositedAssets, ErrCannotCloseVaultWithReservedAssets,
		ErrSlippageExceeded, ErrPositionHealthy, ErrInsufficientFunds, ErrUnauthorized,
		ErrNotPositionOwner, model.ErrAlreadyExists,
	}},
	{ClassInvariant, []error{
		ErrPositionLeverageExceedsLimit, ErrInsufficientCollateralForFee,
		model.ErrReservedExceedsDeposits,
	}},
	{ClassArithmetic, []error{
		fixed.ErrArithmeticOverflow, fixed.ErrArithmeticUnderflow,
		fixed.ErrDivideByZero, fixed.ErrInvalidAveragePrice,
	}},
	{ClassOracle, []error{oracle.ErrStaleOracleFeed, ErrMissingPrice}},
}

// Classify returns the class of err. Unknown errors are internal.
func Classify(err error) Class {
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassInternal
}
