package ai

import (
	"errors"
	"fmt"
	"image"

	"visiongate/internal/logger"
	"visiongate/internal/model"
)

// Detector finds objects in a decoded image.
type Detector interface {
	Detect(img image.Image) ([]model.Detection, error)
}

// Codec turns bytes into an image and an annotated image back into bytes.
type Codec interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image, detections []model.Detection) ([]byte, error)
}

// Result is the outcome of one successful analysis.
type Result struct {
	Image      []byte
	Report     model.AnalysisReport
	Detections []model.Detection
}

// Analyzer runs decode, detect and annotate on one image. It keeps no state
// between calls apart from the injected detector.
type Analyzer struct {
	detector Detector
	codec    Codec
	logger   *logger.Logger
}

// NewAnalyzer creates an Analyzer. A nil codec selects StdCodec.
func NewAnalyzer(detector Detector, codec Codec, logger *logger.Logger) *Analyzer {
	if codec == nil {
		codec = StdCodec{}
	}
	return &Analyzer{
		detector: detector,
		codec:    codec,
		logger:   logger,
	}
}

// Analyze decodes payload, runs the detector and encodes the annotated image.
// Errors wrap model.ErrDecode, model.ErrModel or model.ErrEncode.
func (a *Analyzer) Analyze(payload []byte) (*Result, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", model.ErrDecode)
	}

	img, err := a.codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}

	detections, err := a.detect(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModel, err)
	}

	annotated, err := a.codec.Encode(img, detections)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrEncode, err)
	}

	for _, d := range detections {
		a.logger.Debug("Detected %s (%.2f)", d.Label, d.Confidence)
	}

	return &Result{
		Image:      annotated,
		Report:     model.NewReport(detections),
		Detections: detections,
	}, nil
}

func (a *Analyzer) detect(img image.Image) (detections []model.Detection, err error) {
	if a.detector == nil {
		return nil, errors.New("detector not loaded")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return a.detector.Detect(img)
}
