// Package subscription implements topic-matched event fan-out: MQTT-style
// wildcard topic matching, a pattern-indexed registry for local Event
// delivery, and the pending/accept/reject/send handshake that governs a
// remote streaming subscription's lifetime.
package subscription

import (
	"fmt"
	"strings"

	"meshbus/pkg/meshbuserr"
)

const (
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
)

// Matches reports whether topic satisfies pattern: exact match on
// non-wildcard segments, '+' matches exactly one segment, '#' matches
// zero or more trailing segments and is only valid as the final pattern
// segment. Matches is total and deterministic and never panics. It does
// not reject malformed patterns itself: a non-final '#' still absorbs the
// rest of the topic (registration-time validation is ValidatePattern's
// job, not this function's).
func Matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternSegs := strings.Split(pattern, "/")
	topicSegs := strings.Split(topic, "/")

	pi, ti := 0, 0
	for pi < len(patternSegs) && ti < len(topicSegs) {
		switch patternSegs[pi] {
		case multiLevelWildcard:
			return true
		case singleLevelWildcard:
			pi++
			ti++
		default:
			if patternSegs[pi] != topicSegs[ti] {
				return false
			}
			pi++
			ti++
		}
	}

	// '#' as the sole remaining pattern segment absorbs a now-empty tail.
	if pi < len(patternSegs) && patternSegs[pi] == multiLevelWildcard && pi == len(patternSegs)-1 {
		return true
	}

	return pi == len(patternSegs) && ti == len(topicSegs)
}

// ValidatePattern rejects patterns that must fail at registration time
// rather than silently never match: empty segments, and '#' used
// anywhere other than as the final segment (e.g. "a/#/b").
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return meshbuserr.New(meshbuserr.KindInvalidRequest, "subscription: pattern must be non-empty")
	}
	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		if seg == "" {
			return meshbuserr.New(meshbuserr.KindInvalidRequest, fmt.Sprintf("subscription: pattern %q has an empty segment", pattern))
		}
		if seg == multiLevelWildcard && i != len(segs)-1 {
			return meshbuserr.New(meshbuserr.KindInvalidRequest, fmt.Sprintf("subscription: pattern %q uses '#' outside the final segment", pattern))
		}
	}
	return nil
}
