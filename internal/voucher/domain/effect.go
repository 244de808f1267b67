package domain

import "fmt"

// Effect is the tagged outcome of redeeming a voucher. The coordinator
// switches on the concrete type; the registry itself stays ignorant of
// balances and ledgers.
type Effect interface {
	effect()
}

// BalanceCredit credits the merchant balance by Amount minor units.
type BalanceCredit struct {
	Amount int64
}

func (BalanceCredit) effect() {}

// EffectOf maps a voucher to its redemption effect.
func EffectOf(v Voucher) (Effect, error) {
	switch v.Type {
	case VoucherTypeBalance:
		return BalanceCredit{Amount: v.Value}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidVoucherType, v.Type)
	}
}
