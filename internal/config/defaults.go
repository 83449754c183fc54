package config

import (
	"errors"
	"time"
)

const (
	DefaultPort        = 3030
	DefaultHost        = "0.0.0.0"
	DefaultEnvironment = "dev"
	DefaultCaptionHome = "~/.caption"

	DefaultBodyLimitMB = 250
	DefaultPingTimeout = 10 * time.Second
)

// Model selection is a build-time decision. Override with
//
//	go build -ldflags "-X github.com/cozy-creator/caption-server/internal/config.Variant=quantized"
var (
	ModelID  = "Xenova/blip-image-captioning-large"
	Revision = "main"
	Variant  = "full"
)

var (
	ErrCaptionHomeNotSet       = errors.New("caption home directory is not set")
	ErrCaptionHomeExpandFailed = errors.New("failed to expand caption home directory")
	ErrConfigAlreadyLoaded     = errors.New("config already loaded")
)
