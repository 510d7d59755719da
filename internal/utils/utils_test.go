package utils

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
)

func TestSplitJpeg(t *testing.T) {
	// [Garbage] [JPEG] [Garbage]
	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00}
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...)

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	gt.True(t, scanner.Scan())
	gt.Equal(t, scanner.Bytes(), jpegData)

	// Trailing garbage is not a JPEG.
	gt.False(t, scanner.Scan())
	gt.NoError(t, scanner.Err())
}

func TestSplitJpegMultipleFrames(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}

	var stream []byte
	stream = append(stream, a...)
	stream = append(stream, 0x00)
	stream = append(stream, b...)
	// truncated third frame
	stream = append(stream, 0xFF, 0xD8, 0xCC)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	gt.NoError(t, scanner.Err())
	gt.Equal(t, len(frames), 2)
	gt.Equal(t, frames[0], a)
	gt.Equal(t, frames[1], b)
}

func TestCaptureArgs(t *testing.T) {
	args := CaptureArgs(CaptureInput{Format: "v4l2", Device: "/dev/video0", Width: 640, Height: 480, FPS: 15})
	joined := strings.Join(args, " ")

	gt.S(t, joined).Contains("-f v4l2")
	gt.S(t, joined).Contains("-framerate 15")
	gt.S(t, joined).Contains("-video_size 640x480")
	gt.S(t, joined).Contains("-i /dev/video0")
	gt.Equal(t, args[len(args)-1], "-")

	// Probed inputs carry no -f before -i.
	args = CaptureArgs(CaptureInput{Device: "rtsp://cam/stream"})
	gt.Equal(t, args[4], "-i")
}

func TestShowError(t *testing.T) {
	cmd := NewSafeCommand("true")
	_, _ = cmd.Stderr.Write([]byte("Traceback: boom"))

	var out bytes.Buffer
	ShowError(&out, "engine crashed", errors.New("exit status 1"), cmd)

	gt.S(t, out.String()).Contains("SENTINEL ERROR: engine crashed")
	gt.S(t, out.String()).Contains("DETAILS: exit status 1")
	gt.S(t, out.String()).Contains("Traceback: boom")
}
