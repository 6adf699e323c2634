package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warlog-ledger/internal/domain"
)

// Kind identifies the observation carried by a message
type Kind string

const (
	KindTerritorySnapshot Kind = "territory_snapshot"
	KindWarServers        Kind = "war_servers"
	KindGuildSnapshot     Kind = "guild_snapshot"
)

// Message is the ingestion envelope published by the poller
type Message struct {
	ID         string                          `json:"id"`
	Kind       Kind                            `json:"kind"`
	ObservedAt time.Time                       `json:"observed_at"`
	Owners     map[string]string               `json:"owners,omitempty"`
	Servers    map[string][]domain.RosterEntry `json:"servers,omitempty"`
	Guilds     []domain.GuildSnapshotEntry     `json:"guilds,omitempty"`
}

// NewTerritoryMessage creates a territory snapshot message
func NewTerritoryMessage(owners map[string]string, observedAt time.Time) Message {
	return Message{ID: uuid.NewString(), Kind: KindTerritorySnapshot, ObservedAt: observedAt.UTC(), Owners: owners}
}

// NewWarServersMessage creates a war server roster message
func NewWarServersMessage(servers map[string][]domain.RosterEntry, observedAt time.Time) Message {
	return Message{ID: uuid.NewString(), Kind: KindWarServers, ObservedAt: observedAt.UTC(), Servers: servers}
}

// NewGuildSnapshotMessage creates a guild snapshot message
func NewGuildSnapshotMessage(guilds []domain.GuildSnapshotEntry, observedAt time.Time) Message {
	return Message{ID: uuid.NewString(), Kind: KindGuildSnapshot, ObservedAt: observedAt.UTC(), Guilds: guilds}
}

// Encode marshals the message and returns it with its partition key
func (m Message) Encode() (key string, value []byte, err error) {
	value, err = json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	return string(m.Kind), value, nil
}

// DecodeMessage parses and checks an envelope
func DecodeMessage(value []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if m.ObservedAt.IsZero() {
		return Message{}, fmt.Errorf("%w: missing observed_at", domain.ErrInvalidRequest)
	}
	switch m.Kind {
	case KindTerritorySnapshot, KindWarServers, KindGuildSnapshot:
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidRequest, m.Kind)
	}
	return m, nil
}
