// Package trajectory synthesizes human-looking slider drags.
//
// A trajectory is a list of incremental moves. The forward part follows a
// simple kinematic model (accelerate until a threshold, then decelerate),
// deliberately overshoots the target and finishes with two short reverse
// bursts the way people correct an overshoot.
package trajectory

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Point is one incremental move: DX/DY relative to the previous point,
// then wait Delay milliseconds.
type Point struct {
	DX    float64 `json:"dx"`
	DY    float64 `json:"dy"`
	Delay int64   `json:"delay"`
}

type Config struct {
	// Overshoot is how far past the target the forward phase travels.
	Overshoot int
	// DecelerationRatio is the fraction of the target after which the
	// drag starts braking.
	DecelerationRatio float64
	// TimeStep is the simulated time per step in seconds.
	TimeStep float64
}

func DefaultConfig() Config {
	return Config{
		Overshoot:         10,
		DecelerationRatio: 7.0 / 8.0,
		TimeStep:          0.2,
	}
}

const (
	correctionSteps = 4
	simpleSteps     = 20
)

// Generator is safe for concurrent use.
type Generator struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

type Option func(*Generator)

func WithConfig(cfg Config) Option {
	return func(g *Generator) { g.cfg = normalize(cfg) }
}

// WithSource replaces the random source, mainly so tests can pin sequences.
func WithSource(src rand.Source) Option {
	return func(g *Generator) { g.rnd = rand.New(src) }
}

func WithSeed(seed int64) Option {
	return WithSource(rand.NewSource(seed))
}

func New(opts ...Option) *Generator {
	g := &Generator{
		cfg: DefaultConfig(),
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Config() Config { return g.cfg }

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Overshoot < 0 {
		cfg.Overshoot = def.Overshoot
	}
	if cfg.DecelerationRatio <= 0 || cfg.DecelerationRatio >= 1 {
		cfg.DecelerationRatio = def.DecelerationRatio
	}
	if cfg.TimeStep <= 0 {
		cfg.TimeStep = def.TimeStep
	}
	return cfg
}

// Generate returns a fresh trajectory for a drag of totalOffset pixels.
// The forward deltas sum to totalOffset+Overshoot; the trailing
// 2*4 points are negative corrections. Non-positive offsets yield nil.
func (g *Generator) Generate(totalOffset int) []Point {
	if totalOffset <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		t        = g.cfg.TimeStep
		extended = float64(totalOffset + g.cfg.Overshoot)
		mid      = float64(totalOffset) * g.cfg.DecelerationRatio
		v        float64
		current  float64
		emitted  float64
	)

	points := make([]Point, 0, 64)
	for current < extended {
		var a float64
		if current < mid {
			a = float64(2 + g.rnd.Intn(3))
		} else {
			a = -float64(3 + g.rnd.Intn(3))
		}

		s := v*t + 0.5*a*t*t
		if s <= 0 {
			s = 1
		}
		current += s
		v += a * t
		if v < 0 {
			v = 0
		}
		if current > extended {
			current = extended
		}

		// Round the cumulative position, not the step, so integer deltas
		// never drift away from the simulated position.
		pos := math.Round(current)
		dx := pos - emitted
		emitted = pos

		points = append(points, Point{
			DX:    dx,
			DY:    (g.rnd.Float64() - 0.5) * 2,
			Delay: int64(10 + g.rnd.Intn(21)),
		})
	}

	for i := 0; i < correctionSteps; i++ {
		points = append(points, Point{
			DX:    -float64(2 + g.rnd.Intn(2)),
			DY:    (g.rnd.Float64() - 0.5) * 1,
			Delay: int64(20 + g.rnd.Intn(31)),
		})
	}
	for i := 0; i < correctionSteps; i++ {
		points = append(points, Point{
			DX:    -float64(1 + g.rnd.Intn(3)),
			DY:    (g.rnd.Float64() - 0.5) * 0.5,
			Delay: int64(30 + g.rnd.Intn(41)),
		})
	}
	return points
}

// GenerateSimple spreads totalOffset over a fixed number of steps along an
// ease-out cubic curve. Steps <= 0 uses a default of 20.
func (g *Generator) GenerateSimple(totalOffset, steps int) []Point {
	if totalOffset <= 0 {
		return nil
	}
	if steps <= 0 {
		steps = simpleSteps
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	points := make([]Point, 0, steps)
	last := 0.0
	for i := 1; i <= steps; i++ {
		progress := float64(i) / float64(steps)
		eased := 1 - math.Pow(1-progress, 3)
		x := float64(totalOffset) * eased
		points = append(points, Point{
			DX:    x - last,
			DY:    (g.rnd.Float64() - 0.5) * 4,
			Delay: int64(15 + g.rnd.Intn(10)),
		})
		last = x
	}
	return points
}

// Sum returns the net horizontal displacement of points.
func Sum(points []Point) float64 {
	total := 0.0
	for _, p := range points {
		total += p.DX
	}
	return total
}

// Duration is the total wall time the trajectory takes to play back.
func Duration(points []Point) time.Duration {
	var ms int64
	for _, p := range points {
		ms += p.Delay
	}
	return time.Duration(ms) * time.Millisecond
}

// Format renders the first 16 horizontal deltas for log lines.
func Format(points []Point) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, p := range points {
		if i > 0 {
			sb.WriteString(", ")
		}
		if i == 16 {
			fmt.Fprintf(&sb, "...(%d total)", len(points))
			break
		}
		fmt.Fprintf(&sb, "%d", int(p.DX))
	}
	sb.WriteByte(']')
	return sb.String()
}
