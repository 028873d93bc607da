package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/personclip/pkg/buildinfo"
	"github.com/cyclopcam/personclip/pkg/event"
	"github.com/cyclopcam/personclip/pkg/nn"
	"github.com/cyclopcam/personclip/pkg/nnload"
	"github.com/cyclopcam/personclip/pkg/videox"
	"github.com/cyclopcam/personclip/server"
	"github.com/cyclopcam/personclip/server/config"
	"github.com/cyclopcam/personclip/server/streamer"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("personclip", "Record the parts of a video that contain people")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: config.DefaultFilename})

	serveCmd := parser.NewCommand("serve", "Run the HTTP server")
	hotReloadWWW := serveCmd.Flag("", "hot", &argparse.Options{Help: "Hot reload www instead of embedding into binary", Default: false})
	listen := serveCmd.String("l", "listen", &argparse.Options{Help: "Listen address, overriding the config file (eg :8080)", Default: ""})

	processCmd := parser.NewCommand("process", "Process a single sample video, and exit")
	video := processCmd.String("v", "video", &argparse.Options{Help: "Name of the sample video, eg people-detection.mp4", Required: true})

	labelCmd := parser.NewCommand("label", "Run object detection on every frame of a local video file, and write the labels as JSON")
	labelInput := labelCmd.String("i", "input", &argparse.Options{Help: "Input video file", Required: true})
	labelOutput := labelCmd.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output label file", Required: true})
	labelMinSize := labelCmd.Int("m", "minsize", &argparse.Options{Help: "Minimum size of object, in pixels", Default: 0})
	labelClasses := labelCmd.String("", "classes", &argparse.Options{Help: "Comma-separated list of named classes to detect", Default: "person"})

	versionCmd := parser.NewCommand("version", "Show version")

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	if versionCmd.Happened() {
		fmt.Printf("personclip %v\n", buildinfo.Version)
		return
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if cfg.Encoder.FFmpegPath != "" {
		videox.FFmpegPath = cfg.Encoder.FFmpegPath
	}
	if cfg.Encoder.FFprobePath != "" {
		videox.FFprobePath = cfg.Encoder.FFprobePath
	}

	exitCode := 0
	switch {
	case serveCmd.Happened():
		if *listen != "" {
			cfg.HTTP.Listen = *listen
		}
		flags := 0
		if *hotReloadWWW {
			flags |= server.ServerFlagHotReloadWWW
		}
		exitCode = serve(logger, cfg, flags)
	case processCmd.Happened():
		exitCode = process(logger, cfg, *video)
	case labelCmd.Happened():
		label(logger, cfg, *labelInput, labelOutput, *labelMinSize, strings.Split(*labelClasses, ","))
		labelOutput.Close()
	}
	logger.Close()
	os.Exit(exitCode)
}

func serve(logger logs.Log, cfg *config.Config, flags int) int {
	logger.Infof("personclip %v", buildinfo.Version)
	srv, err := server.NewServer(logger, cfg, flags)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(cfg.HTTP.Listen); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		return 1
	}
	<-srv.ShutdownComplete
	return 0
}

// Run one job to completion, printing its events to stdout
func process(logger logs.Log, cfg *config.Config, video string) int {
	srv, err := server.NewServer(logger, cfg, 0)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	defer srv.Shutdown()

	job, err := srv.Jobs().Start(video)
	if err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	// Print every 10%
	lastPercent := map[string]int{}
	job.Subscribe(event.NewFuncListener(func(msg streamer.Message) {
		switch msg.Type {
		case "download", "progress":
			percent := int(msg.Data.(float64) * 100)
			if last, ok := lastPercent[msg.Type]; !ok || percent/10 != last/10 {
				fmt.Printf("%v %v%%\n", msg.Type, percent)
			}
			lastPercent[msg.Type] = percent
		case "segment":
			j, _ := json.Marshal(msg.Data)
			fmt.Printf("segment %v\n", string(j))
		}
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		logger.Infof("Interrupted. Finishing the current segment")
		job.Cancel()
		<-job.Done()
	case <-job.Done():
	}

	info := job.Info()
	fmt.Printf("%v: %v, %v segments\n", video, info.Status, len(info.Segments))
	if info.PersistDenied {
		fmt.Printf("Segments were not saved to the library. Set library.authorized in %v to keep future segments.\n", config.DefaultFilename)
	}
	if info.PersistFailed {
		fmt.Printf("Some segments could not be copied into the library. They are still in %v\n", cfg.CacheDir)
	}
	if info.Error != "" {
		fmt.Printf("Error: %v\n", info.Error)
		return 1
	}
	return 0
}

func label(logger logs.Log, cfg *config.Config, input string, output *os.File, minSize int, classes []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := nnload.LoadModel(ctx, logger, cfg.ModelOptions())
	check(err)
	defer model.Close()

	options := nn.InferenceOptions{
		MinSize: minSize,
		Classes: classes,
		OnFrame: func(frame int, objects []nn.ObjectDetection) {
			if frame%100 == 0 {
				fmt.Printf("Frame %v\n", frame)
			}
		},
	}
	videoLabels, err := nn.RunInferenceOnVideoFile(ctx, logger, model, input, options)
	check(err)

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(videoLabels))
}
