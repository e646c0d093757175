// Package verification decides when an observed transaction counts as final.
package verification

import (
	"time"

	"github.com/vitwit/storefront/types"
)

// Policy is the confirmation policy applied to submitted transactions.
type Policy struct {
	// Confirmations is the number of blocks, including the one holding the
	// transaction, required before a payment is final.
	Confirmations uint64
	// Timeout bounds how long a submitted transaction may stay non-final.
	// Zero disables the bound.
	Timeout time.Duration
}

// NewPolicy builds a policy for network, using the network default when
// confirmations is zero.
func NewPolicy(network types.Network, confirmations uint64, timeout time.Duration) Policy {
	return Policy{
		Confirmations: RequiredConfirmations(network, confirmations),
		Timeout:       timeout,
	}
}

// RequiredConfirmations returns requested when set, else the network default.
func RequiredConfirmations(network types.Network, requested uint64) uint64 {
	if requested > 0 {
		return requested
	}

	switch network {
	case types.NetworkEthereum:
		return 12
	case types.NetworkPolygon:
		return 32
	case types.NetworkPolygonAmoy, types.NetworkSepolia:
		return 3
	case types.NetworkBase, types.NetworkBaseSepolia:
		return 2
	default:
		return 1
	}
}

// Observation is what a node tells us about a transaction at one point in time.
type Observation struct {
	Reference string
	// Known is false when the node has neither a receipt nor a pool entry.
	Known bool
	// Included is true once a receipt exists.
	Included    bool
	Succeeded   bool
	BlockNumber uint64
	Head        uint64
}

// Classify turns an observation into the report handed to the orchestrator.
func (p Policy) Classify(obs Observation) *types.TxReport {
	report := &types.TxReport{Reference: obs.Reference}

	switch {
	case !obs.Included && !obs.Known:
		report.Status = types.TxFailed
		report.Detail = DetailDropped
	case !obs.Included:
		report.Status = types.TxQueued
		report.Detail = DetailAwaitingInclusion
	case !obs.Succeeded:
		report.Status = types.TxFailed
		report.Detail = DetailReverted
		report.BlockNumber = obs.BlockNumber
	default:
		report.BlockNumber = obs.BlockNumber
		if obs.Head >= obs.BlockNumber {
			report.Confirmations = obs.Head - obs.BlockNumber + 1
		}
		if report.Confirmations >= p.required() {
			report.Status = types.TxConfirmed
			report.Detail = DetailFinalized
		} else {
			report.Status = types.TxPending
			report.Detail = DetailAwaitingFinality
		}
	}

	return report
}

// Expired reports whether a transaction submitted at submittedAt has run past
// the policy timeout at now.
func (p Policy) Expired(submittedAt, now time.Time) bool {
	return p.Timeout > 0 && now.Sub(submittedAt) >= p.Timeout
}

// PaymentStatusOf maps a chain-side status onto the attempt lifecycle.
func PaymentStatusOf(s types.TxStatus) (types.PaymentStatus, bool) {
	switch s {
	case types.TxQueued:
		return types.StatusSubmitted, true
	case types.TxPending:
		return types.StatusPending, true
	case types.TxConfirmed:
		return types.StatusConfirmed, true
	case types.TxFailed:
		return types.StatusFailed, true
	default:
		return "", false
	}
}

func (p Policy) required() uint64 {
	if p.Confirmations == 0 {
		return 1
	}
	return p.Confirmations
}

// Details reported in TxReport.Detail.
const (
	DetailAwaitingInclusion = "awaiting_inclusion"
	DetailAwaitingFinality  = "awaiting_finality"
	DetailFinalized         = "finalized"
	DetailReverted          = "reverted"
	DetailDropped           = "dropped"
)
