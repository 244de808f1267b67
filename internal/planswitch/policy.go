package planswitch

// ReactivationMode decides when a merchant suspended for insufficient
// balance becomes eligible for reactivation after a credit. The exact
// threshold is configuration, not code.
type ReactivationMode string

const (
	// ReactivationAnyPositive reactivates as soon as the balance is
	// strictly positive.
	ReactivationAnyPositive ReactivationMode = "any-positive"

	// ReactivationOneOrderFee waits until the balance covers at least one
	// order fee.
	ReactivationOneOrderFee ReactivationMode = "one-order-fee"
)

// Policy carries the injected plan-switch constants.
type Policy struct {
	ReactivationMode ReactivationMode
}

// ReactivationMet reports whether a balance clears the configured
// reactivation threshold.
func (p Policy) ReactivationMet(balance, orderFee int64) bool {
	switch p.ReactivationMode {
	case ReactivationOneOrderFee:
		return balance >= orderFee
	default:
		return balance > 0
	}
}
