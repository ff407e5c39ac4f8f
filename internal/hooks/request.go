// Package hooks decodes ZLMediaKit-style webhook callbacks, routes
// them to the scheduler, and renders the gateway's verdict back in the
// media server's response dialect.
package hooks

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/User-W-20/StreamGate/internal/models"
)

// Action is the hook event reported by the media server.
type Action int

const (
	ActionUnknown Action = iota
	ActionPublish
	ActionPlay
	ActionPublishDone
	ActionPlayDone
	ActionStreamNoneReader
	ActionStreamNotFound
)

// ParseAction maps the media server's action string.
func ParseAction(s string) Action {
	switch s {
	case "on_publish":
		return ActionPublish
	case "on_play":
		return ActionPlay
	case "on_publish_done":
		return ActionPublishDone
	case "on_play_done":
		return ActionPlayDone
	case "on_stream_none_reader":
		return ActionStreamNoneReader
	case "on_stream_not_found":
		return ActionStreamNotFound
	default:
		return ActionUnknown
	}
}

func (a Action) String() string {
	switch a {
	case ActionPublish:
		return "on_publish"
	case ActionPlay:
		return "on_play"
	case ActionPublishDone:
		return "on_publish_done"
	case ActionPlayDone:
		return "on_play_done"
	case ActionStreamNoneReader:
		return "on_stream_none_reader"
	case ActionStreamNotFound:
		return "on_stream_not_found"
	default:
		return "unknown"
	}
}

// ErrInvalidFormat marks an undecodable hook body.
var ErrInvalidFormat = errors.New("hooks: invalid hook format")

// Request is the decoded hook envelope.
type Request struct {
	Action   Action
	Protocol models.Protocol
	App      string
	Stream   string
	Vhost    string
	ClientID string
	IP       string
	Params   map[string]string
}

// StreamKey is the fully qualified stream identity.
func (r *Request) StreamKey() string {
	return r.Vhost + "/" + r.App + "/" + r.Stream
}

// Token returns the auth token carried in params, empty when absent.
func (r *Request) Token() string {
	return r.Params["token"]
}

type rawHook struct {
	Action   string          `json:"action"`
	Schema   string          `json:"schema"`
	Protocol string          `json:"protocol"`
	App      string          `json:"app"`
	Stream   string          `json:"stream"`
	Vhost    string          `json:"vhost"`
	ID       string          `json:"id"`
	IP       string          `json:"ip"`
	Params   json.RawMessage `json:"params"`
}

// ParseRequest decodes a hook body. Missing fields take the media
// server's conventional defaults: app "live", vhost "__defaultVhost__",
// schema "rtmp". The action in the body is advisory; the route path
// overrides it.
func ParseRequest(body []byte) (*Request, error) {
	var raw rawHook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, ErrInvalidFormat
	}

	// schema wins over the legacy protocol field.
	schema := raw.Schema
	if schema == "" {
		schema = raw.Protocol
	}
	if schema == "" {
		schema = "rtmp"
	}

	req := &Request{
		Action:   ParseAction(raw.Action),
		Protocol: models.ParseProtocol(schema),
		App:      raw.App,
		Stream:   raw.Stream,
		Vhost:    raw.Vhost,
		ClientID: raw.ID,
		IP:       raw.IP,
		Params:   parseParams(raw.Params),
	}
	if req.App == "" {
		req.App = "live"
	}
	if req.Vhost == "" {
		req.Vhost = "__defaultVhost__"
	}
	return req, nil
}

// parseParams accepts a JSON object, a JSON-encoded object string, or
// a URL query string. Anything else yields an empty map.
func parseParams(raw json.RawMessage) map[string]string {
	params := map[string]string{}
	if len(raw) == 0 {
		return params
	}

	var obj map[string]string
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil || str == "" {
		return params
	}
	if err := json.Unmarshal([]byte(str), &obj); err == nil {
		return obj
	}

	if values, err := url.ParseQuery(str); err == nil {
		for key, vals := range values {
			if key != "" && len(vals) > 0 {
				params[key] = vals[0]
			}
		}
		return params
	}

	// Last resort: raw key=value pairs without URL decoding.
	for _, pair := range strings.Split(str, "&") {
		if eq := strings.IndexByte(pair, '='); eq > 0 {
			params[pair[:eq]] = pair[eq+1:]
		}
	}
	return params
}
