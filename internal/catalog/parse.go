// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

package catalog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// clipTitlePattern matches "HH:MM:SS" optionally followed by a duration
// token "H:MM:SS". The hour of the duration token has no guaranteed
// zero padding.
var clipTitlePattern = regexp.MustCompile(`^(\d{1,2}:\d{2}:\d{2})(?:\s+(\d+:\d{2}:\d{2}))?`)

// ParseClipTitle parses a catalog entry title into a Clip anchored on
// the given day. Entries whose title does not carry a parseable start
// time are skipped by the caller. When the duration token is missing or
// malformed, defaultDuration is assumed.
func ParseClipTitle(day time.Time, title string, defaultDuration time.Duration) (Clip, bool) {
	m := clipTitlePattern.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return Clip{}, false
	}

	startOfDay, ok := parseTimeOfDay(m[1])
	if !ok {
		return Clip{}, false
	}

	duration := defaultDuration
	if m[2] != "" {
		if d, ok := parseDurationToken(m[2]); ok {
			duration = d
		}
	}
	if duration < time.Second {
		duration = time.Second
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).Add(startOfDay)
	return Clip{Start: start, End: start.Add(duration)}, true
}

// parseTimeOfDay parses "HH:MM:SS" into an offset from midnight.
func parseTimeOfDay(token string) (time.Duration, bool) {
	h, m, s, ok := splitClock(token)
	if !ok || h > 23 || m > 59 || s > 59 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
}

// parseDurationToken parses "H:MM:SS" into a duration.
func parseDurationToken(token string) (time.Duration, bool) {
	h, m, s, ok := splitClock(token)
	if !ok {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
}

func splitClock(token string) (h, m, s int, ok bool) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	var err error
	if h, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if m, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if s, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, 0, false
	}
	return h, m, s, true
}
