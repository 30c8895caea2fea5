package engine

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"

	"github.com/e7canasta/orion-pose/internal/heatmap"
	"github.com/e7canasta/orion-pose/internal/pose"
	"github.com/e7canasta/orion-pose/internal/types"
)

// SyntheticConfig configures the synthetic engine.
type SyntheticConfig struct {
	Channels heatmap.ChannelMap
	// Width and Height of the rendered heatmap. Default 48x64.
	Width  int
	Height int
	// Sigma is the peak radius in tiles. Default 1.5.
	Sigma float64
	// Latency is how long each inference pretends to take.
	Latency time.Duration
}

// standingPose is a person facing the camera, in normalized image space.
var standingPose = map[pose.JointType]r2.Point{
	pose.Top:           {X: 0.50, Y: 0.12},
	pose.Neck:          {X: 0.50, Y: 0.22},
	pose.RightShoulder: {X: 0.42, Y: 0.25},
	pose.RightElbow:    {X: 0.38, Y: 0.37},
	pose.RightWrist:    {X: 0.36, Y: 0.48},
	pose.LeftShoulder:  {X: 0.58, Y: 0.25},
	pose.LeftElbow:     {X: 0.62, Y: 0.37},
	pose.LeftWrist:     {X: 0.64, Y: 0.48},
	pose.RightHip:      {X: 0.45, Y: 0.52},
	pose.RightKnee:     {X: 0.45, Y: 0.68},
	pose.RightAnkle:    {X: 0.45, Y: 0.84},
	pose.LeftHip:       {X: 0.55, Y: 0.52},
	pose.LeftKnee:      {X: 0.55, Y: 0.68},
	pose.LeftAnkle:     {X: 0.55, Y: 0.84},
	pose.Thorax:        {X: 0.50, Y: 0.30},
	pose.Pelvis:        {X: 0.50, Y: 0.50},
}

// Synthetic renders Gaussian heatmaps for a standing figure that sways
// slowly from side to side with the frame sequence. It honours the crop, so
// the decoded joints land back on the same image positions whatever crop the
// scheduler asks for.
type Synthetic struct {
	cfg SyntheticConfig

	mu      sync.Mutex
	running bool

	requests   atomic.Uint64
	failures   atomic.Uint64
	restarts   atomic.Uint64
	lastSeenAt atomic.Value // time.Time
}

// NewSynthetic returns a stopped synthetic engine.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Channels.Len() == 0 {
		cfg.Channels = heatmap.DefaultChannelMap()
	}
	if cfg.Width <= 0 {
		cfg.Width = 48
	}
	if cfg.Height <= 0 {
		cfg.Height = 64
	}
	if cfg.Sigma <= 0 {
		cfg.Sigma = 1.5
	}
	s := &Synthetic{cfg: cfg}
	s.lastSeenAt.Store(time.Time{})
	return s
}

func (s *Synthetic) Start(context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) Restart(ctx context.Context) error {
	s.restarts.Add(1)
	return s.Start(ctx)
}

// Infer renders the heatmap for req.
func (s *Synthetic) Infer(ctx context.Context, req types.InferenceRequest) (heatmap.Tensor, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return heatmap.Tensor{}, ErrNotRunning
	}
	s.requests.Add(1)

	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-ctx.Done():
			s.failures.Add(1)
			return heatmap.Tensor{}, ctx.Err()
		}
	}

	t := s.Render(req.Frame.Seq, req.Crop)
	s.lastSeenAt.Store(time.Now())
	return t, nil
}

// Render draws the figure as seen through crop (zero Rect = full frame) at
// sway phase seq.
func (s *Synthetic) Render(seq uint64, crop r2.Rect) heatmap.Tensor {
	channels, h, w := s.cfg.Channels.Len(), s.cfg.Height, s.cfg.Width
	t := heatmap.Tensor{Shape: []int{channels, h, w}, Data: make([]float32, channels*h*w)}

	// inverse of heatmap.CropToImage
	lo, size := r2.Point{}, r2.Point{X: 1, Y: 1}
	if crop.X.Length() > 0 && crop.Y.Length() > 0 {
		lo, size = crop.Lo(), crop.Size()
	}
	sway := 0.02 * math.Sin(float64(seq)*0.1)

	for k := 0; k < channels; k++ {
		p, ok := standingPose[s.cfg.Channels.Joint(k)]
		if !ok {
			continue
		}
		p.X += sway
		cx := (p.X - lo.X) / size.X * float64(w)
		cy := (p.Y - lo.Y) / size.Y * float64(h)
		if cx < 0 || cx >= float64(w) || cy < 0 || cy >= float64(h) {
			continue
		}
		s.splat(t.Data[k*h*w:(k+1)*h*w], w, h, cx, cy)
	}
	return t
}

// splat adds a Gaussian peak centred at (cx, cy) in tile units.
func (s *Synthetic) splat(plane []float32, w, h int, cx, cy float64) {
	sigma2 := 2 * s.cfg.Sigma * s.cfg.Sigma
	for row := 0; row < h; row++ {
		dy := float64(row) + 0.5 - cy
		for col := 0; col < w; col++ {
			dx := float64(col) + 0.5 - cx
			plane[row*w+col] = float32(0.9 * math.Exp(-(dx*dx+dy*dy)/sigma2))
		}
	}
}

func (s *Synthetic) Metrics() Metrics {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	requests, failures := s.requests.Load(), s.failures.Load()
	return Metrics{
		Running:    running,
		Requests:   requests,
		Responses:  requests - failures,
		Failures:   failures,
		Restarts:   s.restarts.Load(),
		LastSeenAt: s.lastSeenAt.Load().(time.Time),
	}
}
