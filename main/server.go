package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/tinyzimmer/go-gst/gst"

	"mediacenter/main/camera"
	"mediacenter/main/capture"
	"mediacenter/main/center"
	"mediacenter/main/rtc"
	"mediacenter/main/signaling"
	"mediacenter/main/utils"
)

const initRetryDelay = time.Second

// MediaCenter bundles the running pieces so main can shut them down.
type MediaCenter struct {
	Center *center.Center
	Broker *signaling.Server
	Echo   *echo.Echo

	cancel  context.CancelFunc
	clients []*signaling.Client
}

func buildCamera(opts camera.Options) (*camera.Camera, error) {
	sourceFor := func(res camera.ProbeResult, sink camera.FrameSink) (camera.Source, error) {
		return capture.NewRTSPSource(opts, res, sink)
	}
	return camera.New(opts, capture.NewGstProber(opts), capture.NewRelay(opts), sourceFor)
}

func createMux() *echo.Echo {
	e := echo.New()

	e.Use(middleware.Recover())

	return e
}

// StartMediaCenter builds the camera fleet from the configured camera list,
// binds each camera to its signaling surface and serves the broker plus the
// status API. Initialization and startup run in the background so the HTTP
// surface is up while cameras are still connecting.
func StartMediaCenter() *MediaCenter {

	config := utils.GetConfig()

	gst.Init(nil)

	defs, err := utils.LoadCameraDefs(config.CamerasFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load camera list")
	}
	if len(defs) == 0 {
		log.Warn().Str("file", config.CamerasFile).Msg("Camera list is empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	mc := &MediaCenter{
		Center: center.New(initRetryDelay),
		Broker: signaling.NewServer(),
		cancel: cancel,
	}

	for _, def := range defs {
		cam, err := buildCamera(def)
		if err != nil {
			log.Fatal().Err(err).Str("camera", def.Name).Msg("Cannot build camera")
		}
		if err := mc.Center.AddCamera(cam.Name(), cam); err != nil {
			log.Fatal().Err(err).Msg("Cannot register camera")
		}

		// A camera either serves viewers through the local broker room
		// named after it, or dials out to a remote broker.
		opts := cam.Options()
		if opts.SignalingURL != "" {
			client := signaling.NewClient(opts.SignalingURL, opts.ProbeDelay, cam.HandleSignal)
			cam.SetSignalSender(client.Send)
			client.Start(ctx)
			mc.clients = append(mc.clients, client)
			continue
		}
		mc.Broker.RegisterCamera(cam.Name(), cam)
	}

	go func() {
		if err := mc.Center.InitializeAll(ctx); err != nil {
			log.Err(err).Msg("Camera initialization aborted")
			return
		}
		if err := mc.Center.StartAll(ctx); err != nil {
			log.Err(err).Msg("Camera fleet started with failures")
		}
	}()

	e := createMux()
	g := e.Group("/api")

	g.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, mc.Center.StatusAll())
	})

	g.GET("/ice-config", func(c echo.Context) error {
		return c.JSON(http.StatusOK, rtc.GetRtcConfig())
	})

	e.Any("/*", mc.Broker.Handler)
	mc.Echo = e

	go func() {
		if err := e.Start(":" + config.Port); err != nil {
			log.Err(err).Msg("Http server stopped")
		}
	}()

	log.Info().Str("port", config.Port).Int("cameras", len(defs)).Msg("Media center is up")
	return mc
}

// Shutdown stops the cameras first so no producer is left pushing into a
// torn-down pipeline, then drops the signaling surfaces.
func (mc *MediaCenter) Shutdown() {
	mc.cancel()
	for _, client := range mc.clients {
		client.Close()
	}
	mc.Broker.Close()
	mc.Center.Shutdown()
}
