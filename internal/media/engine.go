// Package media implements the core media-engine interfaces on top of
// pion/webrtc. A router is an SFU context: incoming producer tracks are
// relayed packet-by-packet to the consumer tracks subscribed to them.
package media

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Gather/internal/core"
)

var (
	opusCodec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
	vp8Codec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

type Engine struct {
	api  *webrtc.API
	cfg  webrtc.Configuration
	caps json.RawMessage
}

func NewEngine(stunURLs []string) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}

	caps, err := json.Marshal(map[string]any{
		"codecs": []webrtc.RTPCodecCapability{opusCodec, vp8Codec},
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		cfg:  cfg,
		caps: caps,
	}, nil
}

func (e *Engine) CreateRouter(ctx context.Context) (core.Router, error) {
	r := newRouter(e)
	log.Info().Str("module", "media").Str("router", r.ID()).Msg("router created")
	return r, nil
}

func newID() string { return uuid.NewString() }
