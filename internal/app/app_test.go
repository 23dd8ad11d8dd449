package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"visiongate/internal/config"
	"visiongate/internal/dto"
	"visiongate/internal/logger"
	"visiongate/internal/model"
	"visiongate/internal/service/ai"
)

type fakeDetector struct{}

func (fakeDetector) Detect(img image.Image) ([]model.Detection, error) {
	return []model.Detection{{Label: "person", Confidence: 0.9, Box: image.Rect(1, 1, 6, 6)}}, nil
}

func fakeFactory(int) (ai.Detector, error) {
	return fakeDetector{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:            "test",
		BridgeAddr:        "127.0.0.1:0",
		BridgeTimeout:     5 * time.Second,
		MaxPayloadBytes:   1 << 20,
		MaxConns:          4,
		GatewayMode:       config.ModeAsync,
		ProcessingWorkers: 2,
		PoolQueueSize:     4,
		InProcessWorkers:  true,
		QueueBackend:      config.BackendMemory,
		PollInterval:      20 * time.Millisecond,
		OrphanTimeout:     time.Minute,
		ResultRetention:   time.Hour,
		RetentionSweep:    time.Minute,
		BlobBackend:       config.BackendMemory,
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return l
}

// serve runs fn until the test ends and checks that it stops cleanly.
func serve(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Server did not stop")
		}
	})
}

func startWorker(t *testing.T, cfg *config.Config) string {
	t.Helper()
	w, err := NewWorker(context.Background(), cfg, logger.Nop(), fakeFactory)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	l := listen(t)
	serve(t, func(ctx context.Context) error { return w.Serve(ctx, l) })
	return l.Addr().String()
}

func startGateway(t *testing.T, cfg *config.Config) string {
	t.Helper()
	a, err := NewApp(context.Background(), cfg, logger.Nop(), fakeFactory)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	l := listen(t)
	serve(t, func(ctx context.Context) error { return a.Serve(ctx, l) })
	return "http://" + l.Addr().String()
}

func pngBytes(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < size; i++ {
		img.Set(i, size-1-i, color.RGBA{G: 200, A: 255})
	}
	var data bytes.Buffer
	png.Encode(&data, img)
	return data.Bytes()
}

func upload(t *testing.T, url string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "frame.png")
	fw.Write(data)
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func pngUpload(t *testing.T, url string) *http.Response {
	t.Helper()
	return upload(t, url, pngBytes(16))
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func waitForSuccess(t *testing.T, base string, id model.JobID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var status dto.TaskStatus
		if code := getJSON(t, base+"/status/"+string(id), &status); code != http.StatusOK {
			t.Fatalf("Status returned %d", code)
		}
		switch status.State {
		case model.StateSuccess:
			return
		case model.StateFailure:
			t.Fatalf("Job failed: %s", status.Status)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job still %s", status.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGateway_SyncThroughWorker(t *testing.T) {
	workerCfg := testConfig()
	workerAddr := startWorker(t, workerCfg)

	cfg := testConfig()
	cfg.InProcessWorkers = false
	cfg.WorkerAddr = workerAddr
	base := startGateway(t, cfg)

	resp := pngUpload(t, base+"/detect/sync")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if _, err := jpeg.Decode(resp.Body); err != nil {
		t.Errorf("Expected a JPEG reply: %v", err)
	}
}

func TestGateway_SyncTruncatedImage(t *testing.T) {
	workerAddr := startWorker(t, testConfig())

	cfg := testConfig()
	cfg.InProcessWorkers = false
	cfg.WorkerAddr = workerAddr
	base := startGateway(t, cfg)

	full := pngBytes(64)
	resp := upload(t, base+"/detect/sync", full[:len(full)-20])
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 400, got %d: %s", resp.StatusCode, body)
	}
	var body dto.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	if body.Error != model.CodeDecode {
		t.Errorf("Expected %q, got %q", model.CodeDecode, body.Error)
	}
}

func TestGateway_SyncWorkerDown(t *testing.T) {
	l := listen(t)
	addr := l.Addr().String()
	l.Close()

	cfg := testConfig()
	cfg.InProcessWorkers = false
	cfg.WorkerAddr = addr
	base := startGateway(t, cfg)

	resp := pngUpload(t, base+"/detect/sync")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", resp.StatusCode)
	}
	var body dto.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != model.CodeConnectionRefused {
		t.Errorf("Expected %s, got %q", model.CodeConnectionRefused, body.Error)
	}
}

func TestGateway_AsyncInProcess(t *testing.T) {
	base := startGateway(t, testConfig())

	resp := pngUpload(t, base+"/detect")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	var accepted dto.TaskAccepted
	json.NewDecoder(resp.Body).Decode(&accepted)

	waitForSuccess(t, base, accepted.TaskID)

	var result dto.TaskResult
	if code := getJSON(t, base+"/result/"+string(accepted.TaskID), &result); code != http.StatusOK {
		t.Fatalf("Result returned %d", code)
	}
	if result.AnalysisData.TotalObjects != 1 || result.AnalysisData.ClassCounts["person"] != 1 {
		t.Errorf("Unexpected analysis %+v", result.AnalysisData)
	}
	if result.ImageData == "" {
		t.Error("Expected image_data")
	}

	var health dto.Health
	if code := getJSON(t, base+"/healthz", &health); code != http.StatusOK || health.Pool == nil {
		t.Errorf("Unexpected health %d %+v", code, health)
	}
}

func TestGateway_WorkerConsumesSharedQueue(t *testing.T) {
	dir := t.TempDir()
	shared := func() *config.Config {
		cfg := testConfig()
		cfg.QueueBackend = config.BackendSQLite
		cfg.DatabasePath = filepath.Join(dir, "jobs.db")
		cfg.BlobBackend = config.BackendFile
		cfg.ResultDirectory = filepath.Join(dir, "results")
		return cfg
	}

	workerCfg := shared()
	workerCfg.QueueConsume = true
	startWorker(t, workerCfg)

	gatewayCfg := shared()
	gatewayCfg.InProcessWorkers = false
	base := startGateway(t, gatewayCfg)

	resp := pngUpload(t, base+"/detect/async")
	defer resp.Body.Close()
	var accepted dto.TaskAccepted
	json.NewDecoder(resp.Body).Decode(&accepted)
	if accepted.TaskID == "" {
		t.Fatalf("Expected a task ID, got status %d", resp.StatusCode)
	}

	waitForSuccess(t, base, accepted.TaskID)

	resp, err := http.Get(fmt.Sprintf("%s/result/%s?format=image", base, accepted.TaskID))
	if err != nil {
		t.Fatalf("GET result failed: %v", err)
	}
	defer resp.Body.Close()
	if _, err := jpeg.Decode(resp.Body); err != nil {
		t.Errorf("Expected a JPEG result: %v", err)
	}
}

func TestNewWorker_Rejects(t *testing.T) {
	cfg := testConfig()
	cfg.QueueConsume = true
	if _, err := NewWorker(context.Background(), cfg, logger.Nop(), fakeFactory); err == nil {
		t.Error("Expected QUEUE_CONSUME on the memory backend to be rejected")
	}

	if _, err := NewWorker(context.Background(), testConfig(), logger.Nop(), nil); err == nil {
		t.Error("Expected a missing detector factory to be rejected")
	}
}

func TestNewApp_DetectorFailure(t *testing.T) {
	failing := func(int) (ai.Detector, error) { return nil, fmt.Errorf("model file not found") }
	if _, err := NewApp(context.Background(), testConfig(), logger.Nop(), failing); err == nil {
		t.Error("Expected detector load failure to be returned")
	}
}
