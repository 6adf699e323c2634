package domain

import "time"

// DefaultGraceWindow is how long a closed war waits for its territory capture before it counts as lost.
const DefaultGraceWindow = 90 * time.Second

// Outcome classifies a guild outcome record.
type Outcome string

const (
	OutcomeTerritoryAcquired  Outcome = "territory_acquired"
	OutcomeTerritoryLost      Outcome = "territory_lost"
	OutcomeOngoing            Outcome = "ongoing"
	OutcomeWarEnded           Outcome = "war_ended"
	OutcomeWarLost            Outcome = "war_lost"
	OutcomeWarSucceeded       Outcome = "war_succeeded"
	OutcomeIntegrityViolation Outcome = "integrity_violation"
)

// Final reports whether the outcome can no longer change.
// Ongoing and just-ended wars are re-evaluated on a later run.
func (o Outcome) Final() bool {
	return o != OutcomeOngoing && o != OutcomeWarEnded
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeTerritoryAcquired, OutcomeTerritoryLost, OutcomeOngoing, OutcomeWarEnded,
		OutcomeWarLost, OutcomeWarSucceeded, OutcomeIntegrityViolation:
		return true
	}
	return false
}

// GuildOutcomeRecord correlates a war and/or a territory event into a per-guild result.
// At least one of WarLogID and TerritoryLogID is set. ID is zero for provisional records
// that were classified but not persisted.
type GuildOutcomeRecord struct {
	ID             int64     `json:"id"`
	GuildName      string    `json:"guild_name"`
	WarLogID       *int64    `json:"war_log_id,omitempty"`
	TerritoryLogID *int64    `json:"territory_log_id,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	CreatedAt      time.Time `json:"created_at"`
}

// Persisted reports whether the record was appended to the outcome log.
func (r GuildOutcomeRecord) Persisted() bool {
	return r.ID != 0
}

// Classify returns the outcome of rec for its guild. war and terr are the records referenced
// by rec, nil when the reference is unset. Guild names compare exactly.
func Classify(rec GuildOutcomeRecord, war *WarLog, terr *TerritoryChangeEvent, now time.Time, grace time.Duration) Outcome {
	g := rec.GuildName
	switch {
	case war == nil && terr == nil:
		return OutcomeIntegrityViolation

	case war == nil:
		if terr.NewGuildName == g && terr.OldGuildName != g {
			return OutcomeTerritoryAcquired
		}
		if terr.OldGuildName == g && terr.NewGuildName != g {
			return OutcomeTerritoryLost
		}
		return OutcomeIntegrityViolation

	case terr == nil:
		if !war.Ended {
			return OutcomeOngoing
		}
		if war.EndedFor(now) < grace {
			return OutcomeWarEnded
		}
		return OutcomeWarLost

	default:
		if terr.NewGuildName == g {
			return OutcomeWarSucceeded
		}
		return OutcomeIntegrityViolation
	}
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
