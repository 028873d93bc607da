package nnhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, onDetect func(r *http.Request, body []byte) any) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(nn.ModelConfig{Architecture: "ssdlite", Width: 320, Height: 320, Classes: nn.COCOClasses})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		resp := onDetect(r, body)
		if resp == nil {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDetect(t *testing.T) {
	server := testServer(t, func(r *http.Request, body []byte) any {
		require.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		require.Equal(t, "0.3", r.URL.Query().Get("threshold"))
		require.Equal(t, "", r.URL.Query().Get("unclipped"))
		// JPEG magic
		require.Equal(t, []byte{0xff, 0xd8}, body[:2])
		return map[string]any{
			"objects": []nn.ObjectDetection{
				{Class: nn.COCOPerson, Confidence: 0.9, Box: nn.Rect{X: 10, Y: 20, Width: 100, Height: 100}},
				{Class: 9999, Confidence: 0.9, Box: nn.Rect{X: 10, Y: 20, Width: 10, Height: 10}},
			},
		}
	})

	config, err := FetchConfig(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, 320, config.Width)

	d, err := NewDetector(server.URL+"/", config, 0)
	require.NoError(t, err)
	defer d.Close()

	pixels := make([]byte, 64*48*3)
	params := nn.NewDetectionParams()
	params.ProbabilityThreshold = 0.3
	objects, err := d.DetectObjects(nn.WholeImage(3, pixels, 64, 48), params)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	// Clipped to the 64x48 image
	require.Equal(t, nn.Rect{X: 10, Y: 20, Width: 54, Height: 28}, objects[0].Box)
}

func TestDetectServerError(t *testing.T) {
	server := testServer(t, func(r *http.Request, body []byte) any { return nil })
	d, err := NewDetector(server.URL, &nn.ModelConfig{Width: 320, Height: 320, Classes: nn.COCOClasses}, 0)
	require.NoError(t, err)
	pixels := make([]byte, 16*16*3)
	_, err = d.DetectObjects(nn.WholeImage(3, pixels, 16, 16), nil)
	require.ErrorContains(t, err, "model exploded")
}

func TestNewDetectorValidation(t *testing.T) {
	_, err := NewDetector("", &nn.ModelConfig{Width: 320, Height: 320, Classes: nn.COCOClasses}, 0)
	require.Error(t, err)
	_, err = NewDetector("http://localhost:1", &nn.ModelConfig{}, 0)
	require.Error(t, err)
}
