// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"math"
	"time"
)

// TimeStamp is the expiry value reported by providers: the number of 100
// nanosecond intervals since 1601-01-01 UTC, like a Windows FILETIME.
type TimeStamp int64

const (
	// TimeStampNever is reported by providers for credentials and contexts
	// that do not expire.
	TimeStampNever TimeStamp = math.MaxInt64

	ticksPerSecond = 10_000_000
	unixEpochTicks = 116444736000000000 // 1970-01-01 as a TimeStamp
)

// MaxExpiry is the latest expiry that is ever reported to callers.  Provider
// values beyond it, including TimeStampNever, are clamped to it.
var MaxExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 999999900, time.UTC)

var maxExpiryTicks = TimeStampFromTime(MaxExpiry)

// Time converts ts to a UTC time.  Values that overflow the representable
// range are clamped to MaxExpiry; negative values are treated as zero.
func (ts TimeStamp) Time() time.Time {
	if ts > maxExpiryTicks {
		return MaxExpiry
	}
	if ts < 0 {
		ts = 0
	}

	rel := int64(ts) - unixEpochTicks
	secs := rel / ticksPerSecond
	rem := rel % ticksPerSecond
	if rem < 0 {
		secs--
		rem += ticksPerSecond
	}

	return time.Unix(secs, rem*100).UTC()
}

// TimeStampFromTime converts t to a TimeStamp, truncating to 100ns.
func TimeStampFromTime(t time.Time) TimeStamp {
	return TimeStamp(t.Unix()*ticksPerSecond + int64(t.Nanosecond()/100) + unixEpochTicks)
}

// TimeStampIn returns the TimeStamp d from now.
func TimeStampIn(d time.Duration) TimeStamp {
	return TimeStampFromTime(time.Now().Add(d))
}
