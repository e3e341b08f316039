// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeStampEpochs(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC), TimeStamp(0).Time())
	assert.Equal(time.Unix(0, 0).UTC(), TimeStamp(unixEpochTicks).Time())
	assert.Equal(TimeStamp(unixEpochTicks), TimeStampFromTime(time.Unix(0, 0)))
}

func TestTimeStampRoundTrip(t *testing.T) {
	assert := assert.New(t)

	now := time.Now().UTC().Truncate(100 * time.Nanosecond)
	assert.True(now.Equal(TimeStampFromTime(now).Time()))

	past := time.Date(1999, time.December, 31, 23, 59, 59, 123456700, time.UTC)
	assert.Equal(past, TimeStampFromTime(past).Time())
}

func TestTimeStampClamp(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(MaxExpiry, TimeStampNever.Time())
	assert.Equal(MaxExpiry, (maxExpiryTicks + 1).Time())
	assert.Equal(MaxExpiry, maxExpiryTicks.Time())
	assert.Equal(TimeStamp(0).Time(), TimeStamp(-42).Time())
}

func TestTimeStampIn(t *testing.T) {
	assert.WithinDuration(t, time.Now().Add(time.Hour), TimeStampIn(time.Hour).Time(), time.Second)
}
