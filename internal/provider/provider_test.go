package provider_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"ezoutreach/internal/model"
	"ezoutreach/internal/provider"
	"ezoutreach/internal/provider/hosted"
	"ezoutreach/pkg/clientcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"auth error", &provider.AuthError{Err: errors.New("535 bad credentials")}, true},
		{"wrapped auth error", fmt.Errorf("failed to list: %w", &provider.AuthError{Err: errors.New("no")}), true},
		{"hosted 401", &hosted.StatusError{Code: http.StatusUnauthorized}, true},
		{"hosted 403", fmt.Errorf("send: %w", &hosted.StatusError{Code: http.StatusForbidden}), true},
		{"hosted 429", &hosted.StatusError{Code: http.StatusTooManyRequests}, false},
		{"plain", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, provider.IsAuthFailure(tc.err))
		})
	}
}

type stubClient struct{ closed bool }

func (c *stubClient) Send(context.Context, provider.OutboundMessage) (provider.SendResult, error) {
	return provider.SendResult{}, nil
}
func (c *stubClient) ListRecentMessages(context.Context, time.Time) ([]provider.InboundMessage, error) {
	return nil, nil
}
func (c *stubClient) MarkSeen(context.Context, string) error { return nil }
func (c *stubClient) Close() error                           { c.closed = true; return nil }

func TestResolver_InvalidateRebuildsClient(t *testing.T) {
	cache := clientcache.New[provider.Client](time.Hour, time.Hour, zap.NewNop())
	defer cache.Close()
	r := provider.NewResolver(cache, zap.NewNop())

	var built []*stubClient
	r.Register(model.SenderHosted, func(model.Mailbox) (provider.Client, error) {
		c := &stubClient{}
		built = append(built, c)
		return c, nil
	})
	mb := model.Mailbox{ID: 7, SenderType: model.SenderHosted}

	first, err := r.Resolve(mb)
	require.NoError(t, err)
	again, err := r.Resolve(mb)
	require.NoError(t, err)
	assert.Same(t, first, again)

	r.Invalidate(mb)
	rebuilt, err := r.Resolve(mb)
	require.NoError(t, err)
	assert.NotSame(t, first, rebuilt)
	require.Len(t, built, 2)
	assert.True(t, built[0].closed)
}

func TestResolver_UnknownSenderType(t *testing.T) {
	cache := clientcache.New[provider.Client](time.Hour, time.Hour, zap.NewNop())
	defer cache.Close()
	r := provider.NewResolver(cache, zap.NewNop())

	_, err := r.Resolve(model.Mailbox{ID: 1, SenderType: model.SenderSMTP})
	require.Error(t, err)
}
