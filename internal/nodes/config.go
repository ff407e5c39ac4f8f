// Package nodes loads the backend node inventory and hands out
// endpoints per protocol category with round-robin rotation.
package nodes

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/pkg/logging"
)

// Category groups protocols that share a backend node fleet.
type Category int

const (
	CategoryRTMPSRT Category = iota
	CategoryHTTPHLS
	CategoryWebRTC
	CategoryUnknown
)

// Endpoint is one backend media server address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// Valid reports whether the endpoint is routable.
func (e Endpoint) Valid() bool {
	return e.Host != "" && e.Host != "0.0.0.0" && e.Port > 0 && e.Port <= 65535
}

// Fallback is handed out when a category has no configured nodes.
var Fallback = Endpoint{Host: "127.0.0.1", Port: 1935}

type nodesFile struct {
	RTMPSRT []Endpoint `json:"rtmp_srt"`
	HTTPHLS []Endpoint `json:"http_hls"`
	WebRTC  []Endpoint `json:"webrtc"`
}

// Config holds the per-category node lists with independent round-robin
// cursors. Safe for concurrent use; the lists are immutable after load.
type Config struct {
	rtmpSRT []Endpoint
	httpHLS []Endpoint
	webrtc  []Endpoint

	rrRTMP   atomic.Uint64
	rrHTTP   atomic.Uint64
	rrWebRTC atomic.Uint64

	logger logging.Logger
}

// LoadFile reads and validates the JSON node inventory. Empty
// categories are allowed; selection falls back to Fallback for them.
func LoadFile(path string, logger logging.Logger) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nodes: read %s: %w", path, err)
	}

	var parsed nodesFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("nodes: parse %s: %w", path, err)
	}

	cfg := &Config{
		rtmpSRT: parsed.RTMPSRT,
		httpHLS: parsed.HTTPHLS,
		webrtc:  parsed.WebRTC,
		logger:  logger,
	}

	for name, group := range map[string][]Endpoint{
		"rtmp_srt": cfg.rtmpSRT,
		"http_hls": cfg.httpHLS,
		"webrtc":   cfg.webrtc,
	} {
		for i, ep := range group {
			if !ep.Valid() {
				return nil, fmt.Errorf("nodes: invalid endpoint %s[%d] = %q", name, i, ep.String())
			}
		}
	}

	if logger != nil {
		logger.WithField("total", len(cfg.rtmpSRT)+len(cfg.httpHLS)+len(cfg.webrtc)).
			Info("Node inventory loaded")
	}
	return cfg, nil
}

// NewConfig builds a Config from in-memory lists; used by tests and
// embedded setups.
func NewConfig(rtmpSRT, httpHLS, webrtc []Endpoint) *Config {
	return &Config{rtmpSRT: rtmpSRT, httpHLS: httpHLS, webrtc: webrtc}
}

// CategoryFor routes a protocol to its node fleet. Everything that is
// not RTMP/SRT or WebRTC is served over HTTP.
func CategoryFor(p models.Protocol) Category {
	switch p {
	case models.ProtocolRTMP, models.ProtocolSRT:
		return CategoryRTMPSRT
	case models.ProtocolWebRTC:
		return CategoryWebRTC
	default:
		return CategoryHTTPHLS
	}
}

// SelectRoundRobin picks the next endpoint of the category. An empty
// category yields Fallback.
func (c *Config) SelectRoundRobin(cat Category) Endpoint {
	var group []Endpoint
	var cursor *atomic.Uint64

	switch cat {
	case CategoryRTMPSRT:
		group, cursor = c.rtmpSRT, &c.rrRTMP
	case CategoryHTTPHLS:
		group, cursor = c.httpHLS, &c.rrHTTP
	case CategoryWebRTC:
		group, cursor = c.webrtc, &c.rrWebRTC
	default:
		return Fallback
	}

	if len(group) == 0 {
		if c.logger != nil {
			c.logger.Warn("No nodes configured for category; using fallback")
		}
		return Fallback
	}
	idx := cursor.Add(1) - 1
	return group[idx%uint64(len(group))]
}

// SelectForProtocol is SelectRoundRobin keyed by protocol.
func (c *Config) SelectForProtocol(p models.Protocol) Endpoint {
	return c.SelectRoundRobin(CategoryFor(p))
}

// Size returns the total number of configured endpoints.
func (c *Config) Size() int {
	return len(c.rtmpSRT) + len(c.httpHLS) + len(c.webrtc)
}
