package ledger

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/vault-engine/internal/fees"
	"github.com/atmx/vault-engine/internal/fixed"
	"github.com/atmx/vault-engine/internal/model"
)

// OpenParams describes a new position. ID must be unique.
type OpenParams struct {
	ID         string
	Authority  string
	Collateral uint64
	Size       uint64
	Direction  model.Direction
}

// Open creates c.Position. The owner deposits collateral into escrow and the
// vault lends size - collateral on top of it.
func Open(c *Context, p OpenParams) error {
	if !p.Direction.Valid() {
		return ErrInvalidDirection
	}
	if p.Collateral == 0 {
		return fmt.Errorf("%w: collateral must be positive", ErrInvalidTokenAmount)
	}
	if p.Size < p.Collateral {
		return fmt.Errorf("%w: size %d below collateral %d", ErrInvalidSizeDelta, p.Size, p.Collateral)
	}
	if avail, need := c.Vault.Available(), fixed.U64(p.Size); avail.Lt(&need) {
		return fmt.Errorf("%w: available %s, size %d", ErrInsufficientLiquidityToEnterPosition, avail.Dec(), p.Size)
	}
	if err := c.accrueFunding(); err != nil {
		return err
	}
	price, err := c.price(p.Direction)
	if err != nil {
		return err
	}

	now := time.Unix(c.Now, 0).UTC()
	c.Position = &model.Position{
		ID:                 p.ID,
		Authority:          p.Authority,
		Mint:               c.Vault.Mint,
		Collateral:         p.Collateral,
		Size:               p.Size,
		Reserved:           p.Size - p.Collateral,
		AvgEntryPrice:      price,
		Direction:          p.Direction,
		LastFundingIndex:   c.Vault.CumulativeFundingRate,
		LastFundingPayment: c.Now,
		OpenedAt:           now,
		UpdatedAt:          now,
	}
	pos := c.Position

	if err := c.DepositCollateral(pos.Collateral); err != nil {
		return err
	}
	if pos.Reserved > 0 {
		if err := c.IncreaseSize(pos.Reserved); err != nil {
			return err
		}
	}
	if err := c.Vault.IncreaseReserved(fixed.U64(pos.Reserved)); err != nil {
		return err
	}
	if err := c.Cache.IncreaseOpenInterest(pos.Direction, pos.Size, price); err != nil {
		return err
	}
	if pos.Direction == model.Long {
		gusd, err := c.usd(pos.Reserved, price)
		if err != nil {
			return err
		}
		if err := c.guarantee(gusd); err != nil {
			return err
		}
	}

	if err := CheckLeverage(pos, c.Vault); err != nil {
		return err
	}
	c.emit(&model.PositionOpened{
		Position:   pos.ID,
		Authority:  pos.Authority,
		Mint:       pos.Mint,
		Size:       pos.Size,
		Collateral: pos.Collateral,
		Direction:  pos.Direction,
		Price:      price,
	})
	return nil
}

// Increase grows the position by sizeDelta, of which collateralDelta is
// deposited by the owner and the rest is borrowed from the vault. The margin
// fee and any owed funding are charged against collateral, paid to the pool
// and lent straight back.
func Increase(c *Context, sizeDelta, collateralDelta uint64) error {
	pos := c.Position
	if sizeDelta == 0 {
		return ErrInvalidSizeDelta
	}
	if collateralDelta > sizeDelta {
		return fmt.Errorf("%w: collateral delta %d exceeds size delta %d", ErrInvalidTokenAmount, collateralDelta, sizeDelta)
	}
	borrow := sizeDelta - collateralDelta
	if avail, need := c.Vault.Available(), fixed.U64(borrow); avail.Lt(&need) {
		return fmt.Errorf("%w: available %s, borrow %d", ErrInsufficientLiquidity, avail.Dec(), borrow)
	}
	if err := c.accrueFunding(); err != nil {
		return err
	}
	price, err := c.price(pos.Direction)
	if err != nil {
		return err
	}

	avg, err := fixed.NextAveragePrice(fixed.U64(pos.Size), pos.AvgEntryPrice, sizeDelta, price)
	if err != nil {
		return err
	}
	fee, err := c.chargeableFee(sizeDelta)
	if err != nil {
		return err
	}
	collateral, err := fixed.Add64(pos.Collateral, collateralDelta)
	if err != nil {
		return fmt.Errorf("collateral %d + %d: %w", pos.Collateral, collateralDelta, err)
	}
	if fee > collateral {
		return fmt.Errorf("%w: fee %d, collateral %d", ErrInsufficientCollateralForFee, fee, collateral)
	}
	size, err := fixed.Add64(pos.Size, sizeDelta)
	if err != nil {
		return fmt.Errorf("size %d + %d: %w", pos.Size, sizeDelta, err)
	}
	reserve, err := fixed.Add64(borrow, fee)
	if err != nil {
		return fmt.Errorf("reserve %d + fee %d: %w", borrow, fee, err)
	}
	notional, err := fixed.Add64(sizeDelta, fee)
	if err != nil {
		return fmt.Errorf("size delta %d + fee %d: %w", sizeDelta, fee, err)
	}

	if collateralDelta > 0 {
		if err := c.DepositCollateral(collateralDelta); err != nil {
			return err
		}
	}
	if borrow > 0 {
		if err := c.IncreaseSize(borrow); err != nil {
			return err
		}
	}

	if err := c.Vault.IncreasePool(fixed.U64(fee)); err != nil {
		return err
	}
	if err := c.Vault.IncreaseReserved(fixed.U64(reserve)); err != nil {
		return err
	}
	pos.Collateral = collateral - fee
	pos.Size = size
	pos.Reserved = pos.Borrowed()
	pos.AvgEntryPrice = avg

	collateralDeltaUSD, err := c.usd(collateralDelta, price)
	if err != nil {
		return err
	}
	if pos.Direction == model.Long {
		// Guaranteed USD tracks size - collateral: it grows by the new
		// notional plus the fee and shrinks by the collateral deposited.
		added, err := c.usd(notional, price)
		if err != nil {
			return err
		}
		if err := c.guarantee(added); err != nil {
			return err
		}
		if err := c.release(collateralDeltaUSD); err != nil {
			return err
		}
	}
	if err := c.Cache.IncreaseOpenInterest(pos.Direction, sizeDelta, price); err != nil {
		return err
	}
	c.settled()

	if err := CheckLeverage(pos, c.Vault); err != nil {
		return err
	}
	c.emit(&model.PositionIncreased{
		Position:           pos.ID,
		Authority:          pos.Authority,
		Mint:               pos.Mint,
		SizeDelta:          sizeDelta,
		CollateralDeltaUSD: collateralDeltaUSD,
		Fee:                fee,
		Price:              price,
	})
	return nil
}

// Decrease shrinks the position by sizeDelta. Borrowed liquidity is repaid
// to the vault first; whatever exceeds it comes out of collateral and goes
// back to the owner.
func Decrease(c *Context, sizeDelta uint64) error {
	pos := c.Position
	if sizeDelta == 0 || sizeDelta >= pos.Size {
		return fmt.Errorf("%w: %d against size %d", ErrInvalidSizeDelta, sizeDelta, pos.Size)
	}
	if err := c.accrueFunding(); err != nil {
		return err
	}
	price, err := c.price(pos.Direction)
	if err != nil {
		return err
	}

	fee, err := c.chargeableFee(sizeDelta)
	if err != nil {
		return err
	}
	if fee > pos.Collateral {
		return fmt.Errorf("%w: fee %d, collateral %d", ErrInsufficientCollateralForFee, fee, pos.Collateral)
	}
	if err := c.chargeFee(fee, price); err != nil {
		return err
	}

	oldSize := pos.Size
	repaid := min(sizeDelta, pos.Borrowed())
	returned := sizeDelta - repaid
	if repaid > 0 {
		if err := c.DecreaseSize(repaid); err != nil {
			return err
		}
	}
	if returned > 0 {
		if err := c.WithdrawCollateral(returned); err != nil {
			return err
		}
	}
	if err := c.Vault.DecreaseReserved(fixed.U64(repaid)); err != nil {
		return err
	}
	pos.Size -= sizeDelta
	pos.Collateral -= returned
	pos.Reserved = pos.Borrowed()

	if err := c.releaseShare(sizeDelta, oldSize); err != nil {
		return err
	}
	if err := c.Cache.DecreaseOpenInterest(pos.Direction, sizeDelta); err != nil {
		return err
	}
	c.settled()

	if err := CheckLeverage(pos, c.Vault); err != nil {
		return err
	}
	c.emit(&model.PositionDecreased{
		Position:  pos.ID,
		Authority: pos.Authority,
		Mint:      pos.Mint,
		SizeDelta: sizeDelta,
		Repaid:    repaid,
		Returned:  returned,
		Fee:       fee,
		Price:     price,
	})
	return nil
}

// CollateralChange is the direction of a ChangeCollateral call.
type CollateralChange string

const (
	CollateralIncrease CollateralChange = "increase"
	CollateralDecrease CollateralChange = "decrease"
)

// ChangeCollateral moves collateral in or out at constant size. Added
// collateral repays borrowed liquidity; removed collateral is borrowed from
// the vault.
func ChangeCollateral(c *Context, change CollateralChange, amount uint64) error {
	pos := c.Position
	if amount == 0 {
		return ErrInvalidTokenAmount
	}
	if err := c.accrueFunding(); err != nil {
		return err
	}

	switch change {
	case CollateralIncrease:
		borrowed := pos.Borrowed()
		if amount > borrowed {
			return fmt.Errorf("%w: %d exceeds borrowed %d", ErrInvalidTokenAmount, amount, borrowed)
		}
		if err := c.DepositCollateral(amount); err != nil {
			return err
		}
		if err := c.DecreaseSize(amount); err != nil {
			return err
		}
		if err := c.Vault.DecreaseReserved(fixed.U64(amount)); err != nil {
			return err
		}
		pos.Collateral += amount
		pos.Reserved = pos.Borrowed()
		if err := c.releaseShare(amount, borrowed); err != nil {
			return err
		}

	case CollateralDecrease:
		if amount >= pos.Collateral {
			return fmt.Errorf("%w: %d leaves no collateral", ErrInvalidTokenAmount, amount)
		}
		if avail, need := c.Vault.Available(), fixed.U64(amount); avail.Lt(&need) {
			return fmt.Errorf("%w: available %s, borrow %d", ErrInsufficientLiquidity, avail.Dec(), amount)
		}
		price, err := c.price(pos.Direction)
		if err != nil {
			return err
		}
		if err := c.IncreaseSize(amount); err != nil {
			return err
		}
		if err := c.WithdrawCollateral(amount); err != nil {
			return err
		}
		if err := c.Vault.IncreaseReserved(fixed.U64(amount)); err != nil {
			return err
		}
		pos.Collateral -= amount
		pos.Reserved = pos.Borrowed()
		if pos.Direction == model.Long {
			gusd, err := c.usd(amount, price)
			if err != nil {
				return err
			}
			if err := c.guarantee(gusd); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("%w: unknown collateral change %q", ErrInvalidTokenAmount, change)
	}
	pos.UpdatedAt = time.Unix(c.Now, 0).UTC()

	if err := CheckLeverage(pos, c.Vault); err != nil {
		return err
	}
	c.emit(&model.CollateralChanged{
		Position:  pos.ID,
		Authority: pos.Authority,
		Mint:      pos.Mint,
		Increase:  change == CollateralIncrease,
		Amount:    amount,
	})
	return nil
}

// PayFunding settles the position's owed funding out of collateral. It may
// run once per funding interval.
func PayFunding(c *Context) error {
	pos := c.Position
	if pos.LastFundingPayment+fees.SecondsInHour >= c.Now {
		return fmt.Errorf("%w: last payment at %d, now %d", ErrInvalidFundingInterval, pos.LastFundingPayment, c.Now)
	}
	if err := c.accrueFunding(); err != nil {
		return err
	}
	owed, err := c.owedFunding()
	if err != nil {
		return err
	}
	if owed > pos.Collateral {
		return fmt.Errorf("%w: owed %d, collateral %d", ErrInsufficientCollateralForFee, owed, pos.Collateral)
	}
	if err := c.payFromEscrow(owed); err != nil {
		return err
	}
	c.settled()

	if err := CheckLeverage(pos, c.Vault); err != nil {
		return err
	}
	c.emit(&model.FundingPaid{
		Position:  pos.ID,
		Authority: pos.Authority,
		Mint:      pos.Mint,
		Amount:    owed,
		Index:     pos.LastFundingIndex,
	})
	return nil
}

// Close unwinds the position unconditionally: borrowed liquidity returns to
// the vault and collateral goes to dest. Profit and loss settle elsewhere.
func Close(c *Context, dest Account) error {
	pos := c.Position
	if err := c.accrueFunding(); err != nil {
		return err
	}
	repaid, returned, err := c.unwind(dest)
	if err != nil {
		return err
	}
	c.emit(&model.PositionClosed{
		Position:    pos.ID,
		Authority:   pos.Authority,
		Mint:        pos.Mint,
		Repaid:      repaid,
		Returned:    returned,
		Destination: string(dest),
	})
	return nil
}

// Liquidate closes a position the risk check reports as undercollateralized.
// Owed funding is paid to the pool first, up to the collateral available,
// and the remainder is returned to the position's owner.
func Liquidate(c *Context, risk RiskCheck) error {
	pos := c.Position
	if risk == nil {
		risk = DefaultRiskCheck
	}
	if err := c.accrueFunding(); err != nil {
		return err
	}
	owed, err := c.owedFunding()
	if err != nil {
		return err
	}
	ok, reason := risk.Liquidatable(pos, c.Vault, owed)
	if !ok {
		return ErrPositionHealthy
	}

	funding := min(owed, pos.Collateral)
	if err := c.payFromEscrow(funding); err != nil {
		return err
	}
	repaid, returned, err := c.unwind(c.owner())
	if err != nil {
		return err
	}
	c.emit(&model.PositionLiquidated{
		Position:  pos.ID,
		Authority: pos.Authority,
		Mint:      pos.Mint,
		Funding:   funding,
		Repaid:    repaid,
		Returned:  returned,
		Reason:    reason,
	})
	return nil
}

// chargeableFee is the margin fee on sizeDelta plus the funding owed on the
// current size.
func (c *Context) chargeableFee(sizeDelta uint64) (uint64, error) {
	funding, err := c.owedFunding()
	if err != nil {
		return 0, err
	}
	margin := fees.PositionFee(c.Config.MarginFeeBps, sizeDelta)
	fee := margin + funding
	if fee < margin {
		return 0, fixed.ErrArithmeticOverflow
	}
	return fee, nil
}

// chargeFee takes fee out of collateral. The pool is paid and immediately
// lends the same amount back, so borrowed liquidity grows by fee.
func (c *Context) chargeFee(fee, price uint64) error {
	if fee == 0 {
		return nil
	}
	pos := c.Position
	if err := c.Vault.IncreasePool(fixed.U64(fee)); err != nil {
		return err
	}
	if err := c.Vault.IncreaseReserved(fixed.U64(fee)); err != nil {
		return err
	}
	pos.Collateral -= fee
	pos.Reserved = pos.Borrowed()
	if pos.Direction == model.Long {
		gusd, err := c.usd(fee, price)
		if err != nil {
			return err
		}
		return c.guarantee(gusd)
	}
	return nil
}

// payFromEscrow moves amount from escrow into the pool out of collateral.
// The position's notional shrinks with its escrow.
func (c *Context) payFromEscrow(amount uint64) error {
	if amount == 0 {
		return nil
	}
	pos := c.Position
	if err := c.DecreaseSize(amount); err != nil {
		return err
	}
	if err := c.Vault.IncreasePool(fixed.U64(amount)); err != nil {
		return err
	}
	if err := c.Cache.DecreaseOpenInterest(pos.Direction, amount); err != nil {
		return err
	}
	pos.Collateral -= amount
	pos.Size -= amount
	return nil
}

// unwind returns borrowed liquidity to the vault and collateral to dest, and
// destroys the position.
func (c *Context) unwind(dest Account) (repaid, returned uint64, err error) {
	pos := c.Position
	repaid, returned = pos.Borrowed(), pos.Collateral
	if repaid > 0 {
		if err := c.DecreaseSize(repaid); err != nil {
			return 0, 0, err
		}
	}
	if returned > 0 {
		if err := c.transfer(c.escrow(), dest, returned); err != nil {
			return 0, 0, err
		}
	}
	if err := c.Vault.DecreaseReserved(fixed.U64(repaid)); err != nil {
		return 0, 0, err
	}
	if err := c.release(pos.GuaranteedUSD); err != nil {
		return 0, 0, err
	}
	if err := c.Cache.DecreaseOpenInterest(pos.Direction, pos.Size); err != nil {
		return 0, 0, err
	}
	pos.Size, pos.Collateral, pos.Reserved = 0, 0, 0
	c.Closed = true
	return repaid, returned, nil
}

// settled marks owed funding as paid up to the current index.
func (c *Context) settled() {
	c.Position.LastFundingIndex = c.Vault.CumulativeFundingRate
	c.Position.LastFundingPayment = c.Now
	c.Position.UpdatedAt = time.Unix(c.Now, 0).UTC()
}

// guarantee adds amount to the guaranteed USD of the position and its vault.
func (c *Context) guarantee(amount uint256.Int) error {
	next, err := fixed.Add(c.Position.GuaranteedUSD, amount)
	if err != nil {
		return err
	}
	if err := c.Vault.IncreaseGuaranteedUSD(amount); err != nil {
		return err
	}
	c.Position.GuaranteedUSD = next
	return nil
}

// release removes amount from the guaranteed USD of the position and its
// vault, capped at what the position holds.
func (c *Context) release(amount uint256.Int) error {
	amount = fixed.Min(amount, c.Position.GuaranteedUSD)
	if err := c.Vault.DecreaseGuaranteedUSD(amount); err != nil {
		return err
	}
	next, _ := fixed.Sub(c.Position.GuaranteedUSD, amount)
	c.Position.GuaranteedUSD = next
	return nil
}

// releaseShare releases part/whole of the position's guaranteed USD.
func (c *Context) releaseShare(part, whole uint64) error {
	if whole == 0 || c.Position.GuaranteedUSD.IsZero() {
		return nil
	}
	share, err := fixed.MulDiv(c.Position.GuaranteedUSD, fixed.U64(part), fixed.U64(whole))
	if err != nil {
		return err
	}
	return c.release(share)
}
