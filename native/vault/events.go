package vault

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/beradigm/bao-contracts/core/events"
)

const (
	EventTypeDeposit             = "vault.deposit"
	EventTypeDepositClamped      = "vault.deposit.clamped"
	EventTypeOTCRecorded         = "vault.otc.recorded"
	EventTypeOTCReversed         = "vault.otc.reversed"
	EventTypeRefund              = "vault.refund"
	EventTypeGoalReached         = "vault.goal_reached"
	EventTypeRevaluation         = "vault.revaluation"
	EventTypeTokenAdded          = "vault.token.added"
	EventTypeTokenRemoved        = "vault.token.removed"
	EventTypeFinalized           = "vault.finalized"
	EventTypeSweep               = "vault.sweep"
	EventTypeDeadlineExtended    = "vault.deadline_extended"
	EventTypeRevaluationDisabled = "vault.revaluation_disabled"
)

type vaultEvent struct {
	rec *events.Record
}

func (e vaultEvent) EventType() string {
	if e.rec == nil {
		return ""
	}
	return e.rec.Type
}

func (e vaultEvent) Event() *events.Record { return e.rec }

func formatUSD(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func addrAttr(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func newDepositEvent(eventType string, addr [20]byte, dep *Deposit, balance *big.Int) *events.Record {
	attrs := map[string]string{
		"contributor": addrAttr(addr),
		"balanceUsd":  formatUSD(balance),
	}
	if dep != nil {
		attrs["asset"] = dep.Asset
		attrs["rawAmount"] = formatUSD(dep.RawAmount)
		attrs["usdValue"] = formatUSD(dep.USDValue)
		if dep.ReceiptID != "" {
			attrs["receiptId"] = dep.ReceiptID
		}
	}
	return &events.Record{Type: eventType, Attributes: attrs}
}

func newRefundEvent(addr [20]byte, due *big.Int, returned int) *events.Record {
	return &events.Record{Type: EventTypeRefund, Attributes: map[string]string{
		"contributor": addrAttr(addr),
		"usdValue":    formatUSD(due),
		"deposits":    strconv.Itoa(returned),
	}}
}

func newGoalReachedEvent(aggregate, goal *big.Int) *events.Record {
	return &events.Record{Type: EventTypeGoalReached, Attributes: map[string]string{
		"aggregateUsd": formatUSD(aggregate),
		"goalUsd":      formatUSD(goal),
	}}
}

func newRevaluationEvent(aggregate *big.Int, at int64) *events.Record {
	return &events.Record{Type: EventTypeRevaluation, Attributes: map[string]string{
		"aggregateUsd": formatUSD(aggregate),
		"refreshedAt":  strconv.FormatInt(at, 10),
	}}
}

func newTokenEvent(eventType, symbol, feedID string) *events.Record {
	attrs := map[string]string{"asset": symbol}
	if feedID != "" {
		attrs["priceFeedId"] = feedID
	}
	return &events.Record{Type: eventType, Attributes: attrs}
}

func newFinalizedEvent(snapshot *AllocationSnapshot) *events.Record {
	attrs := make(map[string]string)
	if snapshot != nil {
		attrs["snapshotId"] = hex.EncodeToString(snapshot.ID[:])
		attrs["totalAdjustedUsd"] = formatUSD(snapshot.TotalAdjustedUSD)
		attrs["totalShares"] = formatUSD(snapshot.TotalShares)
		attrs["allocations"] = strconv.Itoa(len(snapshot.Allocations))
		attrs["finalizedAt"] = strconv.FormatInt(snapshot.FinalizedAt, 10)
	}
	return &events.Record{Type: EventTypeFinalized, Attributes: attrs}
}

func newSweepEvent(recovery [20]byte, assets int) *events.Record {
	return &events.Record{Type: EventTypeSweep, Attributes: map[string]string{
		"recovery": addrAttr(recovery),
		"assets":   strconv.Itoa(assets),
	}}
}

func newDeadlineExtendedEvent(deadline int64) *events.Record {
	return &events.Record{Type: EventTypeDeadlineExtended, Attributes: map[string]string{
		"deadline": strconv.FormatInt(deadline, 10),
	}}
}

func newRevaluationDisabledEvent() *events.Record {
	return &events.Record{Type: EventTypeRevaluationDisabled, Attributes: map[string]string{}}
}
