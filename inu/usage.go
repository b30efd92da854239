package inu

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
)

const usageNamespace = "usage"

// usageRecord is the stored form of a single (command, guild) counter
type usageRecord struct {
	Command string `json:"command"`
	GuildID string `json:"guild_id,omitempty"`
	Count   int64  `json:"count"`
}

// UsageCount is a command and the number of times it was invoked
type UsageCount struct {
	Command string `json:"command"`
	Count   int64  `json:"count"`
}

// UsageCounter counts command invocations per guild. An empty guild ID
// counts direct messages.
type UsageCounter struct {
	backend Backend
	logger  *slog.Logger
}

func NewUsageCounter(backend Backend, logger *slog.Logger) *UsageCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageCounter{
		backend: backend,
		logger:  logger.With(loggerNameKey, "usage_counter"),
	}
}

func usageKey(command, guildID string) string {
	return command + "|" + guildID
}

func validateCommandName(command string) error {
	switch {
	case strings.TrimSpace(command) == "":
		return invalid("command", "must not be empty")
	case strings.Contains(command, "|"):
		return invalid("command", "must not contain '|'")
	}
	return nil
}

// Adjust atomically adds delta to the counter for (command, guildID) and
// returns the new count. A delta which would take the count below zero
// leaves it at zero, and ErrClamped is returned alongside the count.
// Counts saturate at math.MaxInt64.
func (u *UsageCounter) Adjust(
	ctx context.Context,
	command string,
	guildID string,
	delta int64,
) (int64, error) {
	if err := validateCommandName(command); err != nil {
		return 0, err
	}
	if strings.Contains(guildID, "|") {
		return 0, invalid("guild", "must not contain '|'")
	}

	var (
		count   int64
		clamped bool
	)
	err := u.backend.Update(
		ctx,
		usageNamespace,
		usageKey(command, guildID),
		func(current []byte, exists bool) ([]byte, error) {
			rec := usageRecord{Command: command, GuildID: guildID}
			if exists {
				if err := json.Unmarshal(current, &rec); err != nil {
					return nil, fmt.Errorf("decoding usage record: %w", err)
				}
			}
			clamped = false
			if delta > 0 && rec.Count > math.MaxInt64-delta {
				rec.Count = math.MaxInt64
			} else {
				rec.Count += delta
			}
			if rec.Count < 0 {
				rec.Count = 0
				clamped = true
			}
			count = rec.Count
			return json.Marshal(rec)
		},
	)
	if err != nil {
		return 0, err
	}
	if clamped {
		logTrace(ctx, u.logger, "usage counter clamped", "command", command, "guild_id", guildID)
		return count, ErrClamped
	}
	return count, nil
}

// Count returns the current count for (command, guildID)
func (u *UsageCounter) Count(ctx context.Context, command, guildID string) (int64, error) {
	data, err := u.backend.Get(ctx, usageNamespace, usageKey(command, guildID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var rec usageRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("decoding usage record: %w", err)
	}
	return rec.Count, nil
}

// Top returns up to n of the most used commands in the given guild,
// ordered by count (descending) then command name. An empty guildID
// aggregates counts across every guild. n <= 0 returns everything.
func (u *UsageCounter) Top(ctx context.Context, guildID string, n int) ([]UsageCount, error) {
	totals := map[string]int64{}
	for entry, err := range u.backend.Scan(ctx, usageNamespace, "") {
		if err != nil {
			return nil, err
		}
		var rec usageRecord
		if err = json.Unmarshal(entry.Value, &rec); err != nil {
			u.logger.WarnContext(ctx, "skipping unreadable usage record", "key", entry.Key)
			continue
		}
		if guildID != "" && rec.GuildID != guildID {
			continue
		}
		totals[rec.Command] += rec.Count
	}

	counts := make([]UsageCount, 0, len(totals))
	for command, count := range totals {
		counts = append(counts, UsageCount{Command: command, Count: count})
	}
	slices.SortFunc(
		counts, func(a, b UsageCount) int {
			if c := cmp.Compare(b.Count, a.Count); c != 0 {
				return c
			}
			return strings.Compare(a.Command, b.Command)
		},
	)
	if n > 0 && len(counts) > n {
		counts = counts[:n]
	}
	return counts, nil
}
