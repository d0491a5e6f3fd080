package availability_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ms-reservation/internal/availability"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/utils"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleRemoteUnitEvent(t *testing.T) {
	counter := new(MockUnitCounter)
	counter.On("AggregateByEvent", mock.Anything, "ev1").Return(rowsWith(3), nil).Once()
	counter.On("AggregateByEvent", mock.Anything, "ev1").Return(rowsWith(1), nil).Once()

	clock := utils.NewManualClock(t0)
	agg := availability.NewAggregator(counter, availability.NewMemoryCache(clock), time.Minute, clock, logger.NewNop())
	ctx := context.Background()

	_, err := agg.GetAvailability(ctx, "ev1")
	require.NoError(t, err)

	assert.NoError(t, agg.HandleRemoteUnitEvent(ctx, kafka.Message{Value: []byte("not json")}))
	snap, err := agg.GetAvailability(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Category("GA").Available)

	payload, err := json.Marshal(models.UnitStateChanged{UnitID: "u1", EventID: "ev1", NewStatus: models.UnitStatusSold, Version: 2})
	require.NoError(t, err)
	require.NoError(t, agg.HandleRemoteUnitEvent(ctx, kafka.Message{Key: []byte("u1"), Value: payload}))

	snap, err = agg.GetAvailability(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Category("GA").Available)
	counter.AssertExpectations(t)
}
