package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	mqcontracts "ezoutreach/contracts/mq"
	"ezoutreach/internal/errs"
	"ezoutreach/pkg/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sendFunc func(ctx context.Context, job mqcontracts.CampaignSendPayload) error

func (f sendFunc) HandleSend(ctx context.Context, job mqcontracts.CampaignSendPayload) error {
	return f(ctx, job)
}

type deliverFunc func(ctx context.Context, id int64) error

func (f deliverFunc) Deliver(ctx context.Context, id int64) error { return f(ctx, id) }

type verifyFunc func(ctx context.Context, id int64) error

func (f verifyFunc) VerifyBatch(ctx context.Context, id int64) error { return f(ctx, id) }

func TestCampaignSendHandler(t *testing.T) {
	ctx := context.Background()
	var got mqcontracts.CampaignSendPayload
	result := error(nil)
	h := NewCampaignSendHandler(sendFunc(func(_ context.Context, job mqcontracts.CampaignSendPayload) error {
		got = job
		return result
	}), zap.NewNop())

	require.NoError(t, h.Handle(ctx, json.RawMessage(`{"campaignId":7,"recipientId":9,"step":1}`)))
	assert.Equal(t, int64(7), got.CampaignID)
	assert.Equal(t, int64(9), got.RecipientID)
	require.NotNil(t, got.Step)
	assert.Equal(t, 1, *got.Step)

	result = errs.Stale("recipient replied")
	assert.NoError(t, h.Handle(ctx, json.RawMessage(`{"campaignId":7,"recipientId":9}`)))

	result = fmt.Errorf("%w: boom", errs.ErrDeliveryFailed)
	assert.NoError(t, h.Handle(ctx, json.RawMessage(`{"campaignId":7,"recipientId":9}`)))

	result = errors.New("db down")
	assert.Error(t, h.Handle(ctx, json.RawMessage(`{"campaignId":7,"recipientId":9}`)))

	assert.Error(t, h.Handle(ctx, json.RawMessage(`{not json`)))
	assert.Error(t, h.Handle(ctx, json.RawMessage(`{"campaignId":7}`)))
}

func TestEmailDeliverHandler(t *testing.T) {
	ctx := context.Background()
	var got int64
	h := NewEmailDeliverHandler(deliverFunc(func(_ context.Context, id int64) error {
		got = id
		if id == 13 {
			return errs.Stale("send sent")
		}
		return nil
	}), zap.NewNop())

	require.NoError(t, h.Handle(ctx, json.RawMessage(`{"outboundMessageId":12}`)))
	assert.Equal(t, int64(12), got)
	assert.NoError(t, h.Handle(ctx, json.RawMessage(`{"outboundMessageId":13}`)))
	assert.Error(t, h.Handle(ctx, json.RawMessage(`{}`)))
}

func TestVerifyBatchHandler_DedupesConcurrentJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	deduper := util.NewDeduper(rdb, time.Hour, zap.NewNop())

	ctx := context.Background()
	calls := 0
	var h *VerifyBatchHandler
	h = NewVerifyBatchHandler(verifyFunc(func(ctx context.Context, id int64) error {
		calls++
		// 同一批次的重复投递在处理期间被丢弃
		require.NoError(t, h.Handle(ctx, json.RawMessage(`{"batchId":5}`)))
		return nil
	}), deduper, zap.NewNop())

	require.NoError(t, h.Handle(ctx, json.RawMessage(`{"batchId":5}`)))
	assert.Equal(t, 1, calls)
	assert.False(t, mr.Exists("dedup:verify-batch:5"), "released after the run")
}

func TestVerifyBatchHandler_Errors(t *testing.T) {
	ctx := context.Background()
	h := NewVerifyBatchHandler(verifyFunc(func(_ context.Context, id int64) error {
		if id == 1 {
			return errs.Stale("batch 1 not found")
		}
		return errors.New("verifier down")
	}), nil, zap.NewNop())

	assert.NoError(t, h.Handle(ctx, json.RawMessage(`{"batchId":1}`)))
	assert.Error(t, h.Handle(ctx, json.RawMessage(`{"batchId":2}`)))
	assert.Error(t, h.Handle(ctx, json.RawMessage(`"nope"`)))
}
