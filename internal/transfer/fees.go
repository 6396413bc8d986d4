package transfer

import (
	"math/bits"

	"github.com/xela07ax/agentpay-core/internal/infra"
)

const bpsDenominator = 10000

// FeeSchedule — комиссия платформы в базисных пунктах с минимальным порогом
type FeeSchedule struct {
	BPS       uint64
	MinFee    uint64
	Recipient string
}

// NewFeeSchedule выбирает ставку тарифа из конфигурации
func NewFeeSchedule(cfg infra.FeeConfig) FeeSchedule {
	bps := cfg.TierBPS[cfg.Tier]
	if bps > bpsDenominator {
		bps = bpsDenominator
	}
	return FeeSchedule{BPS: bps, MinFee: cfg.MinFee, Recipient: cfg.Collector}
}

// Compute: amount*bps/10000, не меньше MinFee. Суммы не выше MinFee идут без комиссии.
func (f FeeSchedule) Compute(amount uint64) uint64 {
	if amount <= f.MinFee {
		return 0
	}
	hi, lo := bits.Mul64(amount, f.BPS)
	fee, _ := bits.Div64(hi, lo, bpsDenominator) // hi < 10000, т.к. bps <= 10000
	return max(fee, f.MinFee)
}
