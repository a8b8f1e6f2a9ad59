package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/canhoto-sync/internal/db"
	"github.com/Guizzs26/canhoto-sync/internal/models"
)

func online(v bool) func() bool { return func() bool { return v } }

func TestSubmitOnlineSendsAndFlushesBacklog(t *testing.T) {
	sub := &fakeSubmitter{}
	q := newTestQueue(db.NewMemoryStore(), sub, WithOnlineSignal(online(true)))
	ctx := context.Background()
	enqueueAll(t, q, "D0")

	res, err := q.Submit(ctx, " D1 ", models.Payload{
		Status:    models.StatusDelivered,
		Signature: "data:image/png;base64,QQ==",
		Image:     "data:image/jpeg;base64,QkI=",
	})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.False(t, res.Queued)
	assert.Nil(t, res.Item)
	require.NotNil(t, res.Replay)
	assert.Equal(t, ReplayReport{Attempted: 1, Succeeded: 1}, *res.Replay)

	calls := sub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "D1", calls[0].DeliveryID)
	assert.Equal(t, models.SourceOnline, calls[0].Meta.Source)
	require.Len(t, calls[0].Photos, 1)
	assert.Equal(t, "photo_1.jpg", calls[0].Photos[0].Filename)
	assert.Equal(t, "D0", calls[1].DeliveryID)
	assert.Equal(t, models.SourceOfflineQueue, calls[1].Meta.Source)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitOnlineWithEmptyBacklogSkipsReplay(t *testing.T) {
	sub := &fakeSubmitter{}
	q := newTestQueue(db.NewMemoryStore(), sub, WithOnlineSignal(online(true)))

	res, err := q.Submit(context.Background(), "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Nil(t, res.Replay)
	assert.Len(t, sub.Calls(), 1)
}

func TestSubmitFallsBackToQueueOnSendFailure(t *testing.T) {
	sendErr := errors.New("502 bad gateway")
	sub := &fakeSubmitter{fail: map[string]error{"D1": sendErr}}
	q := newTestQueue(db.NewMemoryStore(), sub, WithOnlineSignal(online(true)))
	ctx := context.Background()

	res, err := q.Submit(ctx, "D1", models.Payload{Status: models.StatusFailed, Observations: "Portaria fechada"})
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.True(t, res.Queued)
	assert.ErrorIs(t, res.SendErr, sendErr)
	require.NotNil(t, res.Item)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.Item.ID, items[0].ID)
	assert.Equal(t, "Portaria fechada", items[0].Payload.Observations)
}

func TestSubmitQueuesWhileOffline(t *testing.T) {
	for name, opts := range map[string][]Option{
		"offline":   {WithOnlineSignal(online(false))},
		"no signal": nil,
	} {
		t.Run(name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			q := newTestQueue(db.NewMemoryStore(), sub, opts...)

			res, err := q.Submit(context.Background(), "D1", models.Payload{Status: models.StatusDelivered})
			require.NoError(t, err)
			assert.True(t, res.Queued)
			assert.NoError(t, res.SendErr)
			assert.Empty(t, sub.Calls())

			count, err := q.PendingCount(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestSubmitQueuesEvenWhenCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sub := &fakeSubmitter{fail: map[string]error{"D1": context.Canceled}}
	q := newTestQueue(db.NewMemoryStore(), sub, WithOnlineSignal(online(true)))

	res, err := q.Submit(ctx, "D1", models.Payload{Status: models.StatusDelivered})
	require.NoError(t, err)
	assert.True(t, res.Queued)

	count, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmitRejectsEmptyDelivery(t *testing.T) {
	q := newTestQueue(db.NewMemoryStore(), &fakeSubmitter{}, WithOnlineSignal(online(true)))
	_, err := q.Submit(context.Background(), "", models.Payload{})
	assert.ErrorIs(t, err, ErrInvalidItem)
}
