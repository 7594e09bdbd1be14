//go:build linux

package connmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests only touch the state machine; no Bluetooth adapter is required.

func TestSocketRendezvous_AcceptBeforeStart(t *testing.T) {
	r, err := newSocketRendezvous()
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.Accept(context.Background())
	assert.ErrorContains(t, err, "server not started")
}

func TestSocketRendezvous_CloseIsIdempotent(t *testing.T) {
	r, err := newSocketRendezvous()
	require.NoError(t, err)

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())

	_, err = r.StartServer(context.Background(), ServerOptions{ServiceName: "t95"})
	assert.ErrorContains(t, err, "closed")

	_, _, err = r.Accept(context.Background())
	assert.ErrorContains(t, err, "closed")
}

func TestProfileRendezvous_StateErrors(t *testing.T) {
	r, err := newProfileRendezvous()
	require.NoError(t, err)

	_, err = r.StartServer(context.Background(), ServerOptions{})
	assert.ErrorContains(t, err, "ServiceName required")

	_, _, err = r.Accept(context.Background())
	assert.ErrorContains(t, err, "server not started")

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestProfile_RejectsSecondConnection(t *testing.T) {
	p := &profile{ch: make(chan acceptResult, 1)}
	p.accepted = true

	derr := p.NewConnection("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", -1, nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)
	assert.Empty(t, p.ch)
}
