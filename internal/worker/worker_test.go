package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeResponse frames a payload the way the Python side does: [Length][Status][Body]
func writeResponse(w io.Writer, status byte, body []byte) {
	payload := append([]byte{status}, body...)
	binary.Write(w, binary.BigEndian, uint32(len(payload)))
	w.Write(payload)
}

func errorBody(msg string) []byte {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, uint32(len(msg)))
	b.WriteString(msg)
	return b.Bytes()
}

func newMockWorker(dataPipe io.ReadCloser) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	return &PythonWorker{
		ID:          1,
		Stdin:       stdinMock,
		DataPipe:    dataPipe,
		readTimeout: time.Second,
		// Cmd is nil because we aren't testing process management, just the protocol
	}, stdinMock
}

func TestClassify(t *testing.T) {
	// 1. Setup Mocks
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(dataPipeMock, statusOK, []byte(`{"type":"phone_detected","confidence":0.87,"box":[0.1,0.2,0.3,0.4]}`))

	w, stdinMock := newMockWorker(dataPipeMock)

	// 2. Execute the function under test
	inputFrame := []byte{0xFF, 0xD8, 0xBE, 0xEF, 0xFF, 0xD9}
	det, err := w.Classify(context.Background(), &types.Frame{Data: inputFrame})
	require.NoError(t, err)

	// 3. Verify Go sent [Length][JPEG] TO Python
	sent := stdinMock.Bytes()
	require.Len(t, sent, 4+len(inputFrame))
	assert.Equal(t, uint32(len(inputFrame)), binary.BigEndian.Uint32(sent[:4]))
	assert.Equal(t, inputFrame, sent[4:])

	// 4. Verify Go read the detection FROM Python
	assert.Equal(t, types.ViolationPhone, det.Type)
	assert.InDelta(t, 0.87, det.Confidence, 1e-9)
	require.NotNil(t, det.BoundingBox)
	assert.Equal(t, types.BoundingBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}, *det.BoundingBox)
}

func TestClassify_NoBox(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(dataPipeMock, statusOK, []byte(`{"type":"none","confidence":0.93}`))

	w, _ := newMockWorker(dataPipeMock)
	det, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, types.ViolationNone, det.Type)
	assert.Nil(t, det.BoundingBox)
}

func TestClassify_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	errMsg := "Python Exception: Import Error"
	writeResponse(dataPipeMock, statusError, errorBody(errMsg))
	writeResponse(dataPipeMock, statusOK, []byte(`{"type":"no_face","confidence":0.9}`))

	w, _ := newMockWorker(dataPipeMock)

	_, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	require.Error(t, err)
	assert.Equal(t, "python worker error: "+errMsg, err.Error())

	// A Python-side exception does not kill the worker
	det, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	require.NoError(t, err)
	assert.Equal(t, types.ViolationNoFace, det.Type)
}

func TestClassify_UnknownType(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(dataPipeMock, statusOK, []byte(`{"type":"cat_detected","confidence":0.9}`))

	w, _ := newMockWorker(dataPipeMock)
	_, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	assert.Error(t, err)
}

func TestClassify_MalformedJSON(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeResponse(dataPipeMock, statusOK, []byte(`{"type":`))

	w, _ := newMockWorker(dataPipeMock)
	_, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON malformed")
}

func TestClassify_CrashMarksDead(t *testing.T) {
	// Empty pipe: the read hits EOF just like a crashed interpreter
	w, _ := newMockWorker(&MockCloser{Buffer: new(bytes.Buffer)})

	_, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	require.Error(t, err)

	_, err = w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	assert.ErrorIs(t, err, ErrWorkerDead)
}

func TestClassify_Timeout(t *testing.T) {
	// An io.Pipe with no writer blocks forever, simulating a hung model
	r, pw := io.Pipe()
	defer pw.Close()

	w, _ := newMockWorker(r)
	w.readTimeout = 20 * time.Millisecond

	_, err := w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = w.Classify(context.Background(), &types.Frame{Data: []byte("frame")})
	assert.ErrorIs(t, err, ErrWorkerDead)
}

func TestClassify_Cancelled(t *testing.T) {
	r, pw := io.Pipe()
	defer pw.Close()

	w, _ := newMockWorker(r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Classify(ctx, &types.Frame{Data: []byte("frame")})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAwaitReady(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		body    []byte
		wantErr bool
	}{
		{"ready", statusOK, []byte(`{"ready":true,"model":"yolov8n"}`), false},
		{"not ready", statusOK, []byte(`{"ready":false}`), true},
		{"load error", statusError, errorBody("weights not found"), true},
		{"garbage", statusOK, []byte(`nope`), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
			writeResponse(dataPipeMock, tt.status, tt.body)

			w, stdinMock := newMockWorker(dataPipeMock)
			ready, err := w.awaitReady(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "yolov8n", ready.Model)
			// The handshake is read-only
			assert.Zero(t, stdinMock.Len())
		})
	}
}

func TestExchange_InvalidLength(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipeMock, binary.BigEndian, uint32(0))

	w, _ := newMockWorker(dataPipeMock)
	_, err := w.exchange(nil)
	assert.Error(t, err)
}

func TestClose_NilCmd(t *testing.T) {
	w, _ := newMockWorker(&MockCloser{Buffer: new(bytes.Buffer)})
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
