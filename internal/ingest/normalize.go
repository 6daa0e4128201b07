package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layouts tried, in order, for textual timestamps that are not epoch
// encoded. Naive forms are interpreted as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

const msEpochCutoff = int64(1_000_000_000_000) // 1e12: beyond this magnitude a number is ms, not s

// CanonicalTime converts an upstream timestamp of unknown shape into a UTC
// time.Time. The upstream has shipped several encodings over time, so the
// rules are applied in priority order:
//
//  1. numeric with magnitude > 1e12 (either sign): epoch milliseconds
//  2. any other numeric: epoch seconds (fractions kept)
//  3. string of exactly 10 digits: epoch seconds
//  4. string of exactly 13 digits: epoch milliseconds
//  5. string containing a space but no 'T': space swapped for 'T', then parsed
//  6. anything else: parsed as RFC 3339 (naive forms and bare dates as UTC)
//
// Anything that cannot be disambiguated is an error; callers treat that as
// a malformed record rather than guessing.
func CanonicalTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("timestamp missing")
	case time.Time:
		return v.UTC(), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return fromEpoch(i, 0), nil
		}
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse numeric timestamp %q: %w", v.String(), err)
		}
		return fromEpochFloat(f), nil
	case float64:
		return fromEpochFloat(v), nil
	case int64:
		return fromEpoch(v, 0), nil
	case int:
		return fromEpoch(int64(v), 0), nil
	case string:
		return canonicalTimeString(v)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

func canonicalTimeString(s string) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("timestamp missing")
	}

	if allDigits(trimmed) {
		switch len(trimmed) {
		case 10:
			sec, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse epoch seconds %q: %w", trimmed, err)
			}
			return time.Unix(sec, 0).UTC(), nil
		case 13:
			ms, err := strconv.ParseInt(trimmed, 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse epoch milliseconds %q: %w", trimmed, err)
			}
			return time.UnixMilli(ms).UTC(), nil
		}
	}

	// "2023-11-14 22:13:20" style: date and time joined by a space.
	if strings.Contains(trimmed, " ") && !strings.Contains(trimmed, "T") {
		trimmed = strings.Replace(trimmed, " ", "T", 1)
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func fromEpoch(i int64, nsec int64) time.Time {
	if i > msEpochCutoff || i < -msEpochCutoff {
		return time.UnixMilli(i).UTC()
	}
	return time.Unix(i, nsec).UTC()
}

func fromEpochFloat(f float64) time.Time {
	if f > float64(msEpochCutoff) || f < -float64(msEpochCutoff) {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// NormalizeEvent maps a wire record onto the canonical Event. The id must
// be present (it is the deduplication key); properties and session pass
// through verbatim.
func NormalizeEvent(raw RawEvent) (Event, error) {
	if raw.ID == "" {
		return Event{}, fmt.Errorf("event missing id")
	}
	occurred, err := CanonicalTime(raw.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", raw.ID, err)
	}
	return Event{
		ID:         raw.ID,
		SessionID:  raw.SessionID,
		UserID:     raw.UserID,
		Type:       raw.Type,
		Name:       raw.Name,
		Properties: raw.Properties,
		Session:    raw.Session,
		OccurredAt: occurred,
	}, nil
}

// NormalizeAll converts a page of wire records, failing on the first
// malformed one.
func NormalizeAll(raws []RawEvent) ([]Event, error) {
	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := NormalizeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
