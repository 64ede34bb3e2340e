package soul

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// QueueStrategy selects how the upload queue orders entries within a group.
type QueueStrategy string

// Queue strategies.
const (
	StrategyFIFO       QueueStrategy = "fifo"
	StrategyRoundRobin QueueStrategy = "roundrobin"
)

// GroupOptions configures one upload group.
type GroupOptions struct {
	// Priority orders groups for slot admission; lower wins.
	Priority int `json:"priority"`
	// Slots is the group's upload slot budget.
	Slots int `json:"slots"`
	// SpeedLimitKBps caps the group's aggregate upload speed. Zero means
	// the global limit applies.
	SpeedLimitKBps int `json:"speedLimitKBps"`
	// Strategy picks FIFO or round-robin ordering within the group.
	Strategy QueueStrategy `json:"strategy"`
}

// GroupsOptions configures the built-in and user-defined upload groups.
// Privileged is not configurable: it always has priority 0, the global
// slot budget and round-robin ordering.
type GroupsOptions struct {
	Default     GroupOptions            `json:"default"`
	Leechers    GroupOptions            `json:"leechers"`
	UserDefined map[string]GroupOptions `json:"userDefined,omitempty"`
}

// Options is the runtime configuration consumed by the upload core.
// Parsing configuration files is the caller's problem; the core only ever
// sees this struct.
type Options struct {
	// GlobalUploadSlots bounds concurrent uploads across all groups.
	GlobalUploadSlots int `json:"globalUploadSlots"`
	// SpeedLimitKBps is the aggregate upload speed limit in KiB/s.
	SpeedLimitKBps int `json:"speedLimitKBps"`
	// ScanWorkers is the share scan fan-out width.
	ScanWorkers int `json:"scanWorkers"`

	Groups GroupsOptions `json:"groups"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		GlobalUploadSlots: 10,
		SpeedLimitKBps:    1000,
		ScanWorkers:       4,
		Groups: GroupsOptions{
			Default: GroupOptions{
				Priority: 500,
				Slots:    10,
				Strategy: StrategyFIFO,
			},
			Leechers: GroupOptions{
				Priority: 999,
				Slots:    1,
				Strategy: StrategyRoundRobin,
			},
		},
	}
}

// GroupsHash fingerprints the group configuration. The queue and the
// governor compare hashes to skip rebuilding state when a reconfiguration
// does not touch the groups.
func (o *Options) GroupsHash() string {
	b, err := json.Marshal(o.Groups)
	if err != nil {
		// Options is a plain data struct; Marshal cannot fail on it.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
