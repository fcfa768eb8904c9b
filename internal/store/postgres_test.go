// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyward/keyward/internal/store"
)

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestWaitForPing_RetriesUntilReady(t *testing.T) {
	p := &flakyPinger{failures: 2}

	err := store.WaitForPing(context.Background(), p, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestWaitForPing_GivesUp(t *testing.T) {
	p := &flakyPinger{failures: 1 << 30}

	err := store.WaitForPing(context.Background(), p, 300*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Greater(t, p.calls, 1)
}

func TestWaitForPing_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.WaitForPing(ctx, &flakyPinger{failures: 1 << 30}, time.Minute)
	require.Error(t, err)
}

func TestWaitForPing_MockPool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectPing().WillReturnError(errors.New("starting up"))
	mock.ExpectPing()

	require.NoError(t, store.WaitForPing(context.Background(), mock, 5*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenPool_InvalidURL(t *testing.T) {
	_, err := store.OpenPool(context.Background(), "://not a url", time.Second)
	require.Error(t, err)
}
