package utils

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	// Use bufio.Scanner with our custom Split function
	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	// Verify the extracted token is exactly the JPEG
	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Scan() again should return false (EOF) because the trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpegConsecutiveFrames(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}

	stream := append(append([]byte{}, a...), b...)
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames out of order or corrupted: %X", got)
	}
}

func TestSplitJpegDropsLongGarbage(t *testing.T) {
	// A live camera can emit noise before the first frame; it must not grow the buffer forever.
	data := bytes.Repeat([]byte{0x00}, 64)
	advance, token, err := SplitJpeg(data, false)
	if err != nil || token != nil {
		t.Fatalf("unexpected token=%X err=%v", token, err)
	}
	if advance != len(data)-1 {
		t.Errorf("Expected to drop %d bytes, dropped %d", len(data)-1, advance)
	}
}

func TestNewCameraCmd(t *testing.T) {
	cmd := NewCameraCmd(context.Background(), "v4l2", "/dev/video0", 2)
	args := strings.Join(cmd.Args, " ")

	for _, want := range []string{"-f v4l2", "-i /dev/video0", "fps=2", "image2pipe", "mjpeg"} {
		if !strings.Contains(args, want) {
			t.Errorf("Expected args to contain %q, got %q", want, args)
		}
	}

	auto := NewCameraCmd(context.Background(), "", "rtsp://cam/stream", 1)
	if strings.Count(strings.Join(auto.Args, " "), "-f ") != 1 || auto.Args[4] != "-i" {
		t.Errorf("Expected no demuxer flag when format is empty, got %v", auto.Args)
	}
}

func TestFmtElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{12*time.Minute + 45*time.Second, "00:12:45"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{-time.Second, "00:00:00"},
	}
	for _, tt := range tests {
		if got := FmtElapsed(tt.in); got != tt.want {
			t.Errorf("FmtElapsed(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug {
		t.Error("debug not parsed")
	}
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Error("warn not parsed")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", true)
	logger.Info("violation", "type", "phone_detected")
	if !strings.Contains(buf.String(), `"type":"phone_detected"`) {
		t.Errorf("Expected JSON output, got %s", buf.String())
	}
}
