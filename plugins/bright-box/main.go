// Package main provides a minimal model server for the subprocess engine.
// It reports every bright region of a frame as one detection, which makes it
// useful for exercising the pipeline against synthetic scenes.
//
// Each request on stdin is a 4-byte big-endian length followed by a JPEG.
// Each response on stdout is one line of JSON.
package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gocv.io/x/gocv"
)

// maxFrameBytes bounds a single request.
const maxFrameBytes = 32 << 20

// Label is one class hypothesis.
type Label struct {
	Identifier string  `json:"identifier"`
	Confidence float64 `json:"confidence"`
}

// Box is a normalized bounding box.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Observation is one detected region.
type Observation struct {
	Labels []Label `json:"labels"`
	Box    *Box    `json:"box,omitempty"`
}

// Response is written once per frame.
type Response struct {
	Observations []Observation `json:"observations"`
	Error        string        `json:"error,omitempty"`
}

func main() {
	label := flag.String("label", "box", "identifier reported for every region")
	confidence := flag.Float64("confidence", 0.9, "confidence reported for every region")
	threshold := flag.Float64("threshold", 200, "gray level above which a pixel counts as bright")
	minArea := flag.Int("min-area", 16, "smallest region in pixels that is reported")
	flag.Parse()

	in := bufio.NewReader(os.Stdin)
	out := json.NewEncoder(os.Stdout)

	for {
		frame, err := readFrame(in)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// The stream cannot be resynchronized.
			fmt.Fprintf(os.Stderr, "bright-box: %v\n", err)
			os.Exit(1)
		}

		obs, err := detect(frame, float32(*threshold), *minArea, *label, *confidence)
		if err != nil {
			writeErrorResponse(out, err.Error())
			continue
		}
		out.Encode(Response{Observations: obs})
	}
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n == 0 || n > maxFrameBytes {
		return nil, fmt.Errorf("frame length %d out of range", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return data, nil
}

// detect returns the bounding box of every bright region, normalized to the
// frame size with a top-left origin.
func detect(data []byte, threshold float32, minArea int, label string, confidence float64) ([]Observation, error) {
	gray, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer gray.Close()
	if gray.Empty() {
		return nil, errors.New("unsupported image")
	}

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, threshold, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	w, h := float64(gray.Cols()), float64(gray.Rows())
	obs := make([]Observation, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		r := gocv.BoundingRect(contours.At(i))
		if r.Dx()*r.Dy() < minArea {
			continue
		}
		obs = append(obs, Observation{
			Labels: []Label{{Identifier: label, Confidence: confidence}},
			Box: &Box{
				X:      float64(r.Min.X) / w,
				Y:      float64(r.Min.Y) / h,
				Width:  float64(r.Dx()) / w,
				Height: float64(r.Dy()) / h,
			},
		})
	}
	return obs, nil
}

// writeErrorResponse rejects the current frame.
func writeErrorResponse(out *json.Encoder, errMsg string) {
	out.Encode(Response{Observations: []Observation{}, Error: errMsg})
}
