package detector

import (
	"context"
	"image"
	"os"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/ayusman/framelens/internal/logger"
)

var ortMu sync.Mutex

// ONNXEngine runs a YOLO style detector or an image classifier through
// onnxruntime. Input is a 1x3xNxN float tensor of RGB values in [0,1].
type ONNXEngine struct {
	variant Variant
	labels  []string
	size    int
	anchors int
	minConf float64
	iou     float64
	topK    int
	log     zerolog.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXEngine loads cfg.ModelPath. The onnxruntime environment is
// initialized on first use and shared by all engines.
func NewONNXEngine(cfg Config) (*ONNXEngine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, loadFailed("model file: %v", err)
	}
	if len(cfg.Labels) == 0 {
		return nil, loadFailed("onnx engine needs class labels")
	}
	if cfg.InputSize <= 0 {
		return nil, loadFailed("invalid input size %d", cfg.InputSize)
	}
	if cfg.Variant == Detector && cfg.Anchors <= 0 {
		return nil, loadFailed("invalid anchor count %d", cfg.Anchors)
	}

	if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
		return nil, loadFailed("initialize onnxruntime: %v", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, loadFailed("read model io: %v", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, loadFailed("model has no inputs or outputs")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, loadFailed("session options: %v", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	classes := int64(len(cfg.Labels))
	inputShape := ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize))
	outputShape := ort.NewShape(1, classes)
	if cfg.Variant == Detector {
		outputShape = ort.NewShape(1, 4+classes, int64(cfg.Anchors))
	}

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, loadFailed("input tensor: %v", err)
	}

	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, loadFailed("output tensor: %v", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, loadFailed("create session: %v", err)
	}

	e := &ONNXEngine{
		variant: cfg.Variant,
		labels:  cfg.Labels,
		size:    cfg.InputSize,
		anchors: cfg.Anchors,
		minConf: cfg.MinConfidence,
		iou:     cfg.IoUThreshold,
		topK:    cfg.TopK,
		log:     logger.For("ONNX"),
		session: session,
		input:   input,
		output:  output,
	}
	e.log.Info().
		Str("model", cfg.ModelPath).
		Str("input", inputs[0].Name).
		Str("output", outputs[0].Name).
		Int("classes", len(cfg.Labels)).
		Msg("session created")
	return e, nil
}

func initEnvironment(libPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	return ort.InitializeEnvironment()
}

// Infer resizes the frame to the model input and runs the session.
func (e *ONNXEngine) Infer(ctx context.Context, frame *gocv.Mat) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, Reject("cancelled", err)
	}
	if frame == nil || frame.Empty() {
		return nil, Reject("empty frame", nil)
	}

	img, err := frame.ToImage()
	if err != nil {
		return nil, Reject("unsupported image format", err)
	}
	resized := imaging.Resize(img, e.size, e.size, imaging.Linear)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, Reject("engine closed", nil)
	}

	fillInput(resized, e.input.GetData())
	if err := e.session.Run(); err != nil {
		return nil, Reject("model inference", err)
	}

	data := e.output.GetData()
	if e.variant == Classifier {
		return decodeScores(data, e.labels, e.topK), nil
	}
	return decodeBoxes(data, len(e.labels), e.anchors, e.size, e.labels, e.minConf, e.iou, e.topK), nil
}

// fillInput writes img into dst as planar RGB.
func fillInput(img *image.NRGBA, dst []float32) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	channel := w * h
	if len(dst) < channel*3 {
		return
	}
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		offset := y * w
		for x := 0; x < w; x++ {
			p := row[x*4:]
			i := offset + x
			dst[i] = float32(p[0]) / 255.0
			dst[channel+i] = float32(p[1]) / 255.0
			dst[channel*2+i] = float32(p[2]) / 255.0
		}
	}
}

// Close destroys the session and tensors.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	return nil
}
