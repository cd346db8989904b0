package detector

import (
	"math"
	"sort"
	"strconv"

	"github.com/ayusman/framelens/internal/geometry"
)

// IoU returns the intersection over union of two boxes.
func IoU(a, b geometry.Rect) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.MaxX(), b.MaxX())
	y2 := math.Min(a.MaxY(), b.MaxY())

	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Suppress performs per-label non-maximum suppression. The result is ordered
// by descending top-label confidence.
func Suppress(obs []Observation, threshold float64) []Observation {
	sorted := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if len(o.Labels) > 0 {
			sorted = append(sorted, o)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Labels[0].Confidence > sorted[j].Labels[0].Confidence
	})

	kept := make([]Observation, 0, len(sorted))
	for _, cand := range sorted {
		overlaps := false
		for _, k := range kept {
			if k.Labels[0].Identifier == cand.Labels[0].Identifier && IoU(k.Box, cand.Box) > threshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}
	return kept
}

// rankLabels returns the topK highest scoring labels, best first.
func rankLabels(scores []float32, labels []string, topK int) []Label {
	out := make([]Label, 0, len(scores))
	for i, s := range scores {
		out = append(out, Label{Identifier: labelName(labels, i), Confidence: float64(s)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func labelName(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return "class_" + strconv.Itoa(i)
}

// decodeBoxes reads a YOLO style [1, 4+classes, anchors] output where the
// first four rows are centre x, centre y, width and height in input pixels.
func decodeBoxes(data []float32, classes, anchors, inputSize int, labels []string, minConf, iou float64, topK int) []Observation {
	if len(data) < (4+classes)*anchors || inputSize <= 0 {
		return nil
	}
	size := float64(inputSize)
	scores := make([]float32, classes)

	var cands []Observation
	for i := 0; i < anchors; i++ {
		best := float32(0)
		for c := 0; c < classes; c++ {
			scores[c] = data[(4+c)*anchors+i]
			if scores[c] > best {
				best = scores[c]
			}
		}
		if float64(best) < minConf {
			continue
		}

		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])

		cands = append(cands, Observation{
			Labels: rankLabels(scores, labels, topK),
			Box: geometry.Rect{
				X:      (cx - w/2) / size,
				Y:      (cy - h/2) / size,
				Width:  w / size,
				Height: h / size,
			},
		})
	}
	return Suppress(cands, iou)
}

// decodeScores reads a [1, classes] output. Logits are converted with
// softmax; outputs already in [0,1] are taken as probabilities.
func decodeScores(data []float32, labels []string, topK int) []Observation {
	if len(data) == 0 {
		return nil
	}
	probs := data
	for _, v := range data {
		if v < 0 || v > 1 {
			probs = softmax(data)
			break
		}
	}
	return []Observation{{Labels: rankLabels(probs, labels, topK)}}
}

func softmax(in []float32) []float32 {
	maxV := in[0]
	for _, v := range in {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float32, len(in))
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
