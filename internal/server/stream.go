package server

import (
	"fmt"
	"image"
	"image/color"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/posecam/internal/detector"
)

// DefaultStreamInterval paces the MJPEG stream at about 15 frames per second.
const DefaultStreamInterval = 66 * time.Millisecond

var (
	boneColor     = color.RGBA{R: 0, G: 255, B: 128, A: 255}
	keypointColor = color.RGBA{R: 255, G: 64, B: 64, A: 255}
)

// FrameSource provides preview frames and the detections to draw on them.
type FrameSource interface {
	ReadFrame(dst *gocv.Mat) error
	Detections() []detector.Detection
}

// StreamHandler serves MJPEG frames with the detected skeleton drawn on top.
// Pass overlay=0 in the query to get the raw frames.
type StreamHandler struct {
	source   FrameSource
	interval time.Duration
	done     <-chan struct{}
}

// NewStreamHandler creates a new StreamHandler. A non-positive interval
// selects DefaultStreamInterval. Open streams end when done is closed; a nil
// done leaves them to the request context alone.
func NewStreamHandler(source FrameSource, interval time.Duration, done <-chan struct{}) *StreamHandler {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &StreamHandler{source: source, interval: interval, done: done}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	overlay := r.URL.Query().Get("overlay") != "0"

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	frame := gocv.NewMat()
	defer frame.Close()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.source.ReadFrame(&frame); err == nil {
			if overlay {
				DrawSkeleton(&frame, h.source.Detections())
			}
			if err := writePart(w, &frame); err != nil {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
		}
	}
}

func writePart(w http.ResponseWriter, frame *gocv.Mat) error {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		// Skip frames that fail to encode.
		return nil
	}
	defer buf.Close()

	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", buf.Len()); err != nil {
		return err
	}
	if _, err := w.Write(buf.GetBytes()); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// DrawSkeleton draws the keypoints of every detection that are Visible at
// detector.MinRenderScore and the bones between them.
func DrawSkeleton(img *gocv.Mat, detections []detector.Detection) {
	radius := max(2, img.Cols()/160)
	for _, d := range detections {
		for _, bone := range d.Bones(detector.MinRenderScore) {
			gocv.Line(img, point(bone[0]), point(bone[1]), boneColor, 2)
		}
		for _, kp := range d.Keypoints {
			if kp.Visible(detector.MinRenderScore) {
				gocv.Circle(img, point(kp), radius, keypointColor, -1)
			}
		}
	}
}

func point(kp detector.Keypoint) image.Point {
	return image.Pt(int(kp.X+0.5), int(kp.Y+0.5))
}
