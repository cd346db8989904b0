package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/geometry"
	"github.com/ayusman/framelens/internal/logger"
)

// Completion is delivered once per submitted frame.
type Completion struct {
	FrameID   uint64
	Result    Result
	Err       error
	Inference time.Duration
}

// Adapter runs an Engine asynchronously and converts its observations into
// a Result of the configured variant.
type Adapter struct {
	engine  Engine
	variant Variant
	log     zerolog.Logger

	discarded atomic.Uint64
}

// NewAdapter wraps an already constructed engine.
func NewAdapter(engine Engine, variant Variant) (*Adapter, error) {
	if engine == nil {
		return nil, loadFailed("no engine")
	}
	return &Adapter{
		engine:  engine,
		variant: variant,
		log:     logger.For("Detector"),
	}, nil
}

// Load constructs the engine described by cfg and wraps it. Any failure is
// reported as ErrModelLoadFailed.
func Load(cfg Config) (*Adapter, error) {
	engine, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	a, err := NewAdapter(engine, cfg.Variant)
	if err != nil {
		engine.Close()
		return nil, err
	}
	a.log.Info().
		Str("engine", cfg.Kind).
		Str("variant", cfg.Variant.String()).
		Msg("model loaded")
	return a, nil
}

// Open constructs the engine named by cfg.Kind.
func Open(cfg Config) (Engine, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "mock":
		m := NewMockEngine()
		m.SetObservations(SampleObservations(cfg.Variant))
		return m, nil
	case "subprocess":
		return NewSubprocessEngine(cfg)
	case "onnx":
		return NewONNXEngine(cfg)
	default:
		return nil, loadFailed("unknown engine kind %q", cfg.Kind)
	}
}

// Variant returns the variant the adapter was built for.
func (a *Adapter) Variant() Variant {
	return a.variant
}

// Discarded returns the number of observations dropped for carrying values
// outside the normalized range.
func (a *Adapter) Discarded() uint64 {
	return a.discarded.Load()
}

// Submit runs inference on frame in a new goroutine and calls done exactly
// once with the outcome. The caller must keep frame alive until done runs.
func (a *Adapter) Submit(ctx context.Context, frameID uint64, frame *gocv.Mat, done func(Completion)) {
	go func() {
		done(a.Run(ctx, frameID, frame))
	}()
}

// Run performs inference synchronously.
func (a *Adapter) Run(ctx context.Context, frameID uint64, frame *gocv.Mat) Completion {
	start := time.Now()
	obs, err := a.engine.Infer(ctx, frame)
	c := Completion{FrameID: frameID, Inference: time.Since(start)}

	if err != nil {
		if !errors.Is(err, ErrEngineRejected) {
			err = Reject("inference failed", err)
		}
		a.log.Debug().Err(err).Uint64("frame_id", frameID).Msg("engine rejected frame")
		c.Err = err
		return c
	}

	res, discarded, err := Decode(a.variant, obs)
	if discarded > 0 {
		a.discarded.Add(uint64(discarded))
		a.log.Debug().
			Int("discarded", discarded).
			Uint64("frame_id", frameID).
			Msg("discarded observations outside normalized range")
	}
	c.Result, c.Err = res, err
	return c
}

// Close closes the engine.
func (a *Adapter) Close() error {
	return a.engine.Close()
}

// Decode converts engine observations into a Result. Only the first label of
// each observation is used; engine order is preserved and never re-sorted.
// It returns the number of observations dropped for invalid values.
func Decode(variant Variant, obs []Observation) (Result, int, error) {
	if variant == Classifier {
		return decodeClassification(obs)
	}

	res := Result{Kind: KindDetections, Detections: make([]Prediction, 0, len(obs))}
	discarded := 0
	for _, o := range obs {
		p, ok := predictionOf(o, true)
		if !ok {
			discarded++
			continue
		}
		res.Detections = append(res.Detections, p)
	}
	return res, discarded, nil
}

func decodeClassification(obs []Observation) (Result, int, error) {
	discarded := 0
	for _, o := range obs {
		p, ok := predictionOf(o, false)
		if !ok {
			discarded++
			continue
		}
		return Result{Kind: KindClassification, Classification: p}, discarded, nil
	}
	return Result{Kind: KindClassification}, discarded, Reject("no classification", nil)
}

func predictionOf(o Observation, withBox bool) (Prediction, bool) {
	if len(o.Labels) == 0 {
		return Prediction{}, false
	}
	top := o.Labels[0]

	conf, ok := geometry.ClampConfidence(top.Confidence)
	if !ok {
		return Prediction{}, false
	}
	p := Prediction{Label: top.Identifier, Confidence: conf}

	if withBox {
		box, ok := geometry.ClampNormalized(o.Box)
		if !ok {
			return Prediction{}, false
		}
		p.Box = box
	}
	return p, true
}

func (c Completion) String() string {
	if c.Err != nil {
		return fmt.Sprintf("frame %d: %v", c.FrameID, c.Err)
	}
	return fmt.Sprintf("frame %d: %d %s", c.FrameID, len(c.Result.Predictions()), c.Result.Kind)
}
