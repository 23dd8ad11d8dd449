// Package opencv provides the OpenCV DNN detector. It needs cgo and an
// OpenCV installation, so only the binaries import it.
package opencv

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/ai"
)

// DNNDetector runs an SSD MobileNet COCO network.
type DNNDetector struct {
	net       gocv.Net
	threshold float32
	mu        sync.Mutex
	logger    *logger.Logger
}

// NewDNNDetector loads the network and sets backend/target preferences.
func NewDNNDetector(modelPath, configPath string, threshold float64, logger *logger.Logger) (*DNNDetector, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network")
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable target: %w", err)
	}

	logger.Info("Detection network initialized from %s", modelPath)
	return &DNNDetector{
		net:       net,
		threshold: float32(threshold),
		logger:    logger,
	}, nil
}

// Detect implements ai.Detector.
func (d *DNNDetector) Detect(img image.Image) ([]model.Detection, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("converted image is empty")
	}

	// Blob parameters that fit the SSD COCO network input
	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	cols, rows := float32(mat.Cols()), float32(mat.Rows())
	bounds := img.Bounds()

	// Rows of [batch_id, class_id, confidence, x1, y1, x2, y2]
	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()

	var detections []model.Detection
	for i := 0; i < reshaped.Rows(); i++ {
		confidence := reshaped.GetFloatAt(i, 2)
		if confidence <= d.threshold {
			continue
		}
		classID := int(reshaped.GetFloatAt(i, 1))
		box := image.Rect(
			int(reshaped.GetFloatAt(i, 3)*cols),
			int(reshaped.GetFloatAt(i, 4)*rows),
			int(reshaped.GetFloatAt(i, 5)*cols),
			int(reshaped.GetFloatAt(i, 6)*rows),
		).Add(bounds.Min).Intersect(bounds)

		detections = append(detections, model.Detection{
			Label:      ai.ClassLabel(classID),
			Confidence: float64(confidence),
			Box:        box,
		})
	}

	return detections, nil
}

// Close releases the network.
func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
