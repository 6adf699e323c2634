package domain

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	grace := DefaultGraceWindow

	openWar := &WarLog{ID: 1, GuildNameGuess: "Avos"}
	justEnded := &WarLog{ID: 2, GuildNameGuess: "Avos", Ended: true, LastUpdatedAt: now.Add(-30 * time.Second)}
	longEnded := &WarLog{ID: 3, GuildNameGuess: "Avos", Ended: true, LastUpdatedAt: now.Add(-grace)}
	captured := &TerritoryChangeEvent{ID: 10, OldGuildName: "Paladins", NewGuildName: "Avos"}
	lostTerr := &TerritoryChangeEvent{ID: 11, OldGuildName: "Avos", NewGuildName: "Paladins"}

	tests := []struct {
		name  string
		guild string
		war   *WarLog
		terr  *TerritoryChangeEvent
		want  Outcome
	}{
		{"acquired without war", "Avos", nil, captured, OutcomeTerritoryAcquired},
		{"territory lost", "Avos", nil, lostTerr, OutcomeTerritoryLost},
		{"territory unrelated to guild", "Titans", nil, captured, OutcomeIntegrityViolation},
		{"ongoing", "Avos", openWar, nil, OutcomeOngoing},
		{"ended inside grace", "Avos", justEnded, nil, OutcomeWarEnded},
		{"ended at grace boundary", "Avos", longEnded, nil, OutcomeWarLost},
		{"succeeded", "Avos", longEnded, captured, OutcomeWarSucceeded},
		{"owner mismatch", "Avos", longEnded, lostTerr, OutcomeIntegrityViolation},
		{"case mismatch", "avos", longEnded, captured, OutcomeIntegrityViolation},
		{"no references", "Avos", nil, nil, OutcomeIntegrityViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := GuildOutcomeRecord{GuildName: tt.guild}
			if got := Classify(rec, tt.war, tt.terr, now, grace); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyReevaluatesAfterGrace(t *testing.T) {
	closedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	war := &WarLog{ID: 1, ServerName: "WC1", GuildNameGuess: "Avos", Ended: true, LastUpdatedAt: closedAt}
	rec := GuildOutcomeRecord{GuildName: "Avos", WarLogID: Int64Ptr(war.ID)}

	if got := Classify(rec, war, nil, closedAt.Add(time.Second), DefaultGraceWindow); got != OutcomeWarEnded {
		t.Fatalf("right after close = %s, want %s", got, OutcomeWarEnded)
	}
	if got := Classify(rec, war, nil, closedAt.Add(91*time.Second), DefaultGraceWindow); got != OutcomeWarLost {
		t.Fatalf("after grace = %s, want %s", got, OutcomeWarLost)
	}
}

func TestOutcomeFinal(t *testing.T) {
	for _, o := range []Outcome{OutcomeOngoing, OutcomeWarEnded} {
		if o.Final() {
			t.Errorf("%s should not be final", o)
		}
	}
	for _, o := range []Outcome{OutcomeTerritoryAcquired, OutcomeTerritoryLost, OutcomeWarLost, OutcomeWarSucceeded, OutcomeIntegrityViolation} {
		if !o.Final() {
			t.Errorf("%s should be final", o)
		}
	}
	if Outcome("bogus").Valid() {
		t.Error("unknown outcome reported valid")
	}
}
