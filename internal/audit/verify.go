package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kausnet/settlecore/pkg/hashutil"
	"github.com/kausnet/settlecore/pkg/messaging"
)

// DefaultVerifyWindow bounds how many entries one verification loads.
const DefaultVerifyWindow = 1000

// IntegrityReport is the result of a chain verification pass.
type IntegrityReport struct {
	Valid            bool   `json:"valid"`
	TotalChecked     int    `json:"total_checked"`
	VerifiedCount    int    `json:"verified_count"`
	FirstBrokenIndex *int   `json:"first_broken_index,omitempty"`
	Message          string `json:"message"`
}

// VerifyIntegrity loads up to window entries in ascending timestamp order
// and checks, for each, that (a) the stored digest matches a recompute
// from content and (b) the previous-digest link matches the prior entry's
// stored digest (skipped for the genesis entry). Verification stops at
// the first mismatch of either kind: a break means corruption or
// tampering and is escalated as a security incident, never silently
// recovered. Re-running on an unchanged ledger yields an identical
// report.
func (l *Ledger) VerifyIntegrity(ctx context.Context, window int) (*IntegrityReport, error) {
	if window <= 0 {
		window = DefaultVerifyWindow
	}

	entries, err := l.store.Window(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification window: %w", err)
	}

	report := &IntegrityReport{TotalChecked: len(entries)}
	if len(entries) == 0 {
		report.Valid = true
		report.Message = "ledger is empty"
		return report, nil
	}

	for i := range entries {
		e := &entries[i]

		recomputed, err := entryDigest(e)
		if err != nil {
			return nil, fmt.Errorf("failed to recompute digest at index %d: %w", i, err)
		}
		if recomputed != e.Digest {
			l.raiseIncident(ctx, "digest_mismatch", i, e.Digest, recomputed,
				"stored digest does not match entry content")
			return broken(report, i, fmt.Sprintf("digest mismatch at index %d", i)), nil
		}

		if i > 0 && e.PrevDigest != entries[i-1].Digest {
			l.raiseIncident(ctx, "chain_break", i, entries[i-1].Digest, e.PrevDigest,
				"previous-digest link does not match prior entry")
			return broken(report, i, fmt.Sprintf("chain break at index %d", i)), nil
		}

		report.VerifiedCount++
	}

	report.Valid = true
	report.Message = fmt.Sprintf("chain valid, %d entries verified", report.VerifiedCount)
	return report, nil
}

func broken(report *IntegrityReport, index int, message string) *IntegrityReport {
	report.Valid = false
	report.FirstBrokenIndex = &index
	report.Message = message
	return report
}

// raiseIncident escalates a hash or linkage mismatch with full context.
// Integrity breaches are critical and non-retryable.
func (l *Ledger) raiseIncident(ctx context.Context, kind string, index int, expected, actual, description string) {
	l.log.Error("ledger integrity violation",
		zap.String("kind", kind),
		zap.Int("entry_index", index),
		zap.String("expected", expected),
		zap.String("actual", actual),
		zap.String("description", description),
	)

	_ = l.msg.Publish(ctx, messaging.SubjectSecurityIncident, messaging.SecurityIncidentEvent{
		Kind:        kind,
		EntryIndex:  index,
		Expected:    expected,
		Actual:      actual,
		Description: description,
		Timestamp:   time.Now(),
	})
}

// GenesisDigest re-exports the chain's genesis sentinel for callers that
// inspect raw entries.
const GenesisDigest = hashutil.GenesisDigest

func jsonRoundTrip(in map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
