package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"mediacenter/main/camera"
)

type Config struct {
	Port        string
	GoEnv       string
	CamerasFile string
}

var config *Config

func initConfig() {
	port, hasEnv := os.LookupEnv("PORT")
	if !hasEnv {
		log.Info().Msg("No port specified, defaulting to 8080")
		port = "8080"
	}

	camerasFile, hasEnv := os.LookupEnv("CAMERAS_FILE")
	if !hasEnv {
		log.Info().Msg("No camera list specified, defaulting to cameras.json")
		camerasFile = "cameras.json"
	}

	config = &Config{
		Port:        port,
		GoEnv:       os.Getenv("GO_ENV"),
		CamerasFile: camerasFile,
	}
}

func GetConfig() Config {
	if config == nil {
		initConfig()
	}
	return *config
}

// CameraDef is one entry in the cameras file. Durations are integer
// milliseconds.
type CameraDef struct {
	Name               string `json:"name"`
	RtspURL            string `json:"rtsp_url"`
	UseUDP             bool   `json:"use_udp"`
	Framerate          int    `json:"framerate"`
	ProbeSize          int    `json:"probe_size"`
	AnalyzeDurationMs  int    `json:"analyze_duration_ms"`
	ReconnectAttempts  int    `json:"reconnect_attempts"`
	ReconnectTimeoutMs int    `json:"reconnect_timeout_ms"`
	ReconnectDelayMs   int    `json:"reconnect_delay_ms"`
	QueueCapacity      int    `json:"queue_capacity"`
	SignalingURL       string `json:"signaling_url"`
}

func (d CameraDef) Options() camera.Options {
	return camera.Options{
		Name:            d.Name,
		URI:             d.RtspURL,
		UseUDP:          d.UseUDP,
		Framerate:       d.Framerate,
		ProbeSize:       d.ProbeSize,
		AnalyzeDuration: time.Duration(d.AnalyzeDurationMs) * time.Millisecond,
		ProbeAttempts:   d.ReconnectAttempts,
		ProbeTimeout:    time.Duration(d.ReconnectTimeoutMs) * time.Millisecond,
		ProbeDelay:      time.Duration(d.ReconnectDelayMs) * time.Millisecond,
		QueueCapacity:   d.QueueCapacity,
		SignalingURL:    d.SignalingURL,
	}
}

// LoadCameraDefs reads the JSON camera list and maps each entry onto
// camera options. Unset fields fall back to the camera defaults later.
func LoadCameraDefs(path string) ([]camera.Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read camera list: %w", err)
	}
	parsed := ParseJson[[]CameraDef](data)
	if parsed.Error != nil {
		return nil, fmt.Errorf("parse camera list: %w", parsed.Error)
	}
	out := make([]camera.Options, 0, len(parsed.Value))
	for _, def := range parsed.Value {
		if def.Name == "" || def.RtspURL == "" {
			return nil, fmt.Errorf("camera entry %d needs a name and an rtsp_url", len(out))
		}
		out = append(out, def.Options())
	}
	return out, nil
}
