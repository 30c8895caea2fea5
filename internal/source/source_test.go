package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-pose/internal/types"
)

func TestSyntheticEmitsSequencedFrames(t *testing.T) {
	s := NewSynthetic(8, 6, 200)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case f := <-s.Frames():
			assert.Greater(t, f.Seq, last)
			last = f.Seq
			assert.Equal(t, 8, f.Width)
			assert.Equal(t, 6, f.Height)
			assert.Len(t, f.Data, 8*6*3)
			assert.Equal(t, "RGB24", f.Format)
			assert.NotEmpty(t, f.TraceID)
		case <-time.After(time.Second):
			t.Fatal("no frame from synthetic source")
		}
	}

	stats := s.Stats()
	assert.True(t, stats.IsConnected)
	assert.Equal(t, 200, stats.FPSTarget)
	assert.Equal(t, "8x6", stats.Resolution)
	assert.GreaterOrEqual(t, stats.FrameCount, uint64(3))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.Stats().IsConnected)

	// drain whatever was buffered; the channel must be closed
	for range s.Frames() {
	}
}

func TestSyntheticDropsWhenConsumerIsBehind(t *testing.T) {
	s := NewSynthetic(2, 2, 500)
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Greater(t, s.dropped.Load(), uint64(0))
	assert.Equal(t, s.framesEmitted.Load(), s.dropped.Load()+1)

	// the frame left waiting is the newest one, not the first
	f, ok := <-s.Frames()
	require.True(t, ok)
	assert.Equal(t, s.seq.Load(), f.Seq)
	assert.Greater(t, f.Seq, uint64(1))
}

func TestSendLatestReplacesPendingFrame(t *testing.T) {
	ch := make(chan types.Frame, 1)

	assert.False(t, sendLatest(ch, types.Frame{Seq: 1}))
	assert.True(t, sendLatest(ch, types.Frame{Seq: 2}))
	assert.True(t, sendLatest(ch, types.Frame{Seq: 3}))
	assert.Equal(t, uint64(3), (<-ch).Seq)

	assert.False(t, sendLatest(ch, types.Frame{Seq: 4}))
	assert.Equal(t, uint64(4), (<-ch).Seq)
}

func TestSyntheticStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSynthetic(2, 2, 100)
	require.NoError(t, s.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("generator did not exit after cancel")
	}
	require.NoError(t, s.Stop())
}

func TestNewRTSPValidation(t *testing.T) {
	_, err := NewRTSP(RTSPConfig{Width: 640, Height: 480})
	assert.Error(t, err)
	_, err = NewRTSP(RTSPConfig{URL: "rtsp://cam/stream", Width: 0, Height: 480})
	assert.Error(t, err)

	s, err := NewRTSP(RTSPConfig{URL: "rtsp://cam/stream", Width: 640, Height: 480})
	require.NoError(t, err)
	assert.Equal(t, 15, s.cfg.FPS)

	stats := s.Stats()
	assert.False(t, stats.IsConnected)
	assert.Zero(t, stats.FPSReal)
	assert.Equal(t, "640x480", stats.Resolution)
	assert.NoError(t, s.Stop())
}

func TestCapsString(t *testing.T) {
	assert.Equal(t, "video/x-raw,format=RGB,width=640,height=480,framerate=15/1", capsString(640, 480, 15))
}

func TestBackoff(t *testing.T) {
	base, ceiling := time.Second, 30*time.Second
	assert.Equal(t, time.Second, backoff(0, base, ceiling))
	assert.Equal(t, time.Second, backoff(1, base, ceiling))
	assert.Equal(t, 2*time.Second, backoff(2, base, ceiling))
	assert.Equal(t, 16*time.Second, backoff(5, base, ceiling))
	assert.Equal(t, ceiling, backoff(6, base, ceiling))
	assert.Equal(t, ceiling, backoff(100, base, ceiling))
}
