package financing

import "math/big"

const (
	secondsPerDay = 86_400
	// lateFeeDailyBps accrues 1% of the repayment amount per full day late.
	lateFeeDailyBps = 100
	// lateFeeCapBps caps the late fee at 30% of the repayment amount.
	lateFeeCapBps = 3_000
)

var basisPoints = big.NewInt(10_000)

// LateFee returns the penalty owed on top of repaymentAmount when repayment
// happens after dueDate. Partial days are not charged.
func LateFee(repaymentAmount *big.Int, dueDate, now uint64) *big.Int {
	if repaymentAmount == nil || repaymentAmount.Sign() <= 0 || now <= dueDate {
		return big.NewInt(0)
	}
	daysLate := (now - dueDate) / secondsPerDay
	if daysLate == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(repaymentAmount, new(big.Int).SetUint64(daysLate))
	fee.Mul(fee, big.NewInt(lateFeeDailyBps))
	fee.Quo(fee, basisPoints)

	feeCap := new(big.Int).Mul(repaymentAmount, big.NewInt(lateFeeCapBps))
	feeCap.Quo(feeCap, basisPoints)
	if fee.Cmp(feeCap) > 0 {
		return feeCap
	}
	return fee
}

// SplitInterest divides realised interest between the protocol fee receiver
// and the pool. The rate is validated when configured, not here.
func SplitInterest(totalInterest *big.Int, protocolFeeRateBps uint64) (protocolFee, lpInterest *big.Int) {
	if totalInterest == nil || totalInterest.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	protocolFee = new(big.Int).Mul(totalInterest, new(big.Int).SetUint64(protocolFeeRateBps))
	protocolFee.Quo(protocolFee, basisPoints)
	lpInterest = new(big.Int).Sub(totalInterest, protocolFee)
	return protocolFee, lpInterest
}

// QuoteRepayment computes every amount involved in repaying record at now.
func QuoteRepayment(record *FinancingRecord, protocolFeeRateBps uint64, now uint64) RepaymentQuote {
	repayment := cloneBig(record.RepaymentAmount)
	lateFee := LateFee(repayment, record.DueDate, now)
	required := new(big.Int).Add(repayment, lateFee)
	total := new(big.Int).Sub(repayment, cloneBig(record.PayoutAmount))
	total.Add(total, lateFee)
	protocolFee, lpInterest := SplitInterest(total, protocolFeeRateBps)
	return RepaymentQuote{
		LateFee:        lateFee,
		RequiredAmount: required,
		TotalInterest:  total,
		ProtocolFee:    protocolFee,
		LPInterest:     lpInterest,
	}
}
