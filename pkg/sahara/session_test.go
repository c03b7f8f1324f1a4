package sahara_test

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/edl-go/pkg/sahara"
	"github.com/anthropics/edl-go/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPlainImageTransfer(t *testing.T) {
	image := make([]byte, 10000)
	for i := range image {
		image[i] = byte(i)
	}
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		OfferCommandMode: false,
		Image:            image,
		ChunkSize:        4096,
	})

	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(image), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := sess.Run(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
	require.NoError(t, port.DeviceErr())
}

func TestSessionCommandModeReadsChipInfo(t *testing.T) {
	image := []byte("programmer-image-bytes")
	serial := make([]byte, 4)
	serial[0], serial[1], serial[2], serial[3] = 0x78, 0x56, 0x34, 0x12

	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		OfferCommandMode: true,
		Commands: []testutil.CommandResponse{
			{ClientCommand: sahara.ExecCmdSerialNum, Data: serial},
			{ClientCommand: sahara.ExecCmdHWID, Data: nil},
			{ClientCommand: sahara.ExecCmdOemPkHash, Data: nil},
			{ClientCommand: sahara.ExecCmdChipIDV3, Data: nil},
			{ClientCommand: sahara.ExecCmdSblVersion, Data: nil},
		},
		Image:     image,
		ChunkSize: 64,
	})

	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(image), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := sess.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint32(0x12345678), info.SerialHex)
	require.NoError(t, port.DeviceErr())
}

func TestSessionCommandModeFallsBackWhenDeviceSkipsIt(t *testing.T) {
	image := []byte("abcdefgh")
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		OfferCommandMode: false, // device never sends CommandReady
		Image:            image,
		ChunkSize:        4,
	})

	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(image), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := sess.Run(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestSessionEndImageTransferFailureStatus(t *testing.T) {
	image := []byte("01234567")
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		Image:     image,
		ChunkSize: 8,
		EndStatus: uint32(sahara.StatusInvalidElfHeader),
	})

	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(image), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Run(ctx)
	require.Error(t, err)
	var saharaErr *sahara.Err
	require.ErrorAs(t, err, &saharaErr)
	assert.Equal(t, sahara.StatusInvalidElfHeader, saharaErr.Status)
	assert.True(t, saharaErr.Status.Fatal())
}

func TestSessionDoneResponseFailureStatus(t *testing.T) {
	image := []byte("01234567")
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		Image:      image,
		ChunkSize:  8,
		DoneStatus: uint32(sahara.StatusHashVerificationFailure),
	})

	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(image), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Run(ctx)
	require.Error(t, err)
	var saharaErr *sahara.Err
	require.ErrorAs(t, err, &saharaErr)
	assert.Equal(t, sahara.StatusHashVerificationFailure, saharaErr.Status)
}

func TestSessionRun64BitReads(t *testing.T) {
	image := make([]byte, 5000)
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		Image:         image,
		ChunkSize:     2048,
		Use64BitReads: true,
	})

	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(image), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.Run(ctx)
	require.NoError(t, err)
}

func TestSessionHonorsCancellation(t *testing.T) {
	// A port that never offers anything keeps the state machine in
	// WaitHello until cancellation fires.
	port := testutil.NewFakeSaharaPort(&testutil.SaharaScript{
		Image: nil,
	})
	t.Cleanup(func() { port.Close() })
	sess := sahara.NewSession(port, sahara.BytesImage(nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sess.Run(ctx)
	assert.ErrorIs(t, err, sahara.ErrCancelled)
}
