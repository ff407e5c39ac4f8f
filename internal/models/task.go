// Package models holds the core StreamGate domain records: live stream
// tasks and authorization data.
package models

import (
	"strconv"
	"time"
)

// TaskType distinguishes the source of a stream from its consumers.
type TaskType string

const (
	TaskPublisher TaskType = "publisher"
	TaskPlayer    TaskType = "player"
)

// TaskState is the lifecycle state of a stream task.
type TaskState string

const (
	StateInitializing TaskState = "initializing"
	StateActive       TaskState = "active"
	StateInactive     TaskState = "inactive"
	StateError        TaskState = "error"
	StateClosed       TaskState = "closed"
)

// Protocol is the transport the media server reported for a session.
type Protocol string

const (
	ProtocolRTMP     Protocol = "rtmp"
	ProtocolRTSP     Protocol = "rtsp"
	ProtocolHLS      Protocol = "hls"
	ProtocolHTTPFLV  Protocol = "http-flv"
	ProtocolHTTPTS   Protocol = "http-ts"
	ProtocolHTTPFMP4 Protocol = "http-fmp4"
	ProtocolWebRTC   Protocol = "webrtc"
	ProtocolSRT      Protocol = "srt"
	ProtocolUnknown  Protocol = "unknown"
)

// ParseProtocol maps a media-server schema string to a Protocol.
func ParseProtocol(s string) Protocol {
	switch s {
	case "rtmp":
		return ProtocolRTMP
	case "rtsp":
		return ProtocolRTSP
	case "hls":
		return ProtocolHLS
	case "http-flv":
		return ProtocolHTTPFLV
	case "http-ts":
		return ProtocolHTTPTS
	case "http-fmp4":
		return ProtocolHTTPFMP4
	case "webrtc":
		return ProtocolWebRTC
	case "srt":
		return ProtocolSRT
	default:
		return ProtocolUnknown
	}
}

func parseState(s string) TaskState {
	switch TaskState(s) {
	case StateActive, StateInactive, StateError, StateClosed:
		return TaskState(s)
	default:
		return StateInitializing
	}
}

// Plausibility window for stored timestamps. Values outside it mark a
// corrupted record (2020-01-01 .. 2038-01-01 UTC).
const (
	MinReasonableMs int64 = 1577836800000
	MaxReasonableMs int64 = 2145916800000
)

// StreamTask is one live session: a publisher pushing a stream or a
// player consuming it.
type StreamTask struct {
	TaskID             int64
	StreamName         string
	ClientID           string
	Type               TaskType
	State              TaskState
	Protocol           Protocol
	ServerIP           string
	ServerPort         int
	StartTime          time.Time
	LastActiveTime     time.Time
	UserID             string
	AuthToken          string
	Region             string
	NeedTranscode      bool
	NeedRecord         bool
	TranscodingProfile string
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ToHash serializes the task into the Redis hash field layout.
func (t *StreamTask) ToHash() map[string]string {
	return map[string]string{
		"task_id":             strconv.FormatInt(t.TaskID, 10),
		"stream_name":         t.StreamName,
		"client_id":           t.ClientID,
		"active":              "1",
		"type":                string(t.Type),
		"state":               string(t.State),
		"protocol":            string(t.Protocol),
		"server_ip":           t.ServerIP,
		"server_port":         strconv.Itoa(t.ServerPort),
		"start_time_ms":       msString(t.StartTime),
		"last_active_time_ms": msString(t.LastActiveTime),
		"user_id":             t.UserID,
		"auth_token":          t.AuthToken,
		"region":              t.Region,
		"need_transcode":      boolField(t.NeedTranscode),
		"need_record":         boolField(t.NeedRecord),
		"transcoding_profile": t.TranscodingProfile,
	}
}

// TaskFromHash deserializes a task from its Redis hash fields. It
// returns false for records missing required fields, with an unknown
// type, or with timestamps outside the plausibility window.
func TaskFromHash(fields map[string]string) (*StreamTask, bool) {
	for _, required := range []string{"stream_name", "client_id", "type", "start_time_ms", "last_active_time_ms"} {
		if _, ok := fields[required]; !ok {
			return nil, false
		}
	}

	typ := TaskType(fields["type"])
	if typ != TaskPublisher && typ != TaskPlayer {
		return nil, false
	}

	startMs, err := strconv.ParseInt(fields["start_time_ms"], 10, 64)
	if err != nil {
		return nil, false
	}
	lastMs, err := strconv.ParseInt(fields["last_active_time_ms"], 10, 64)
	if err != nil {
		return nil, false
	}
	if startMs < MinReasonableMs || startMs > MaxReasonableMs ||
		lastMs < MinReasonableMs || lastMs > MaxReasonableMs {
		return nil, false
	}

	task := &StreamTask{
		StreamName:     fields["stream_name"],
		ClientID:       fields["client_id"],
		Type:           typ,
		State:          parseState(fields["state"]),
		Protocol:       ParseProtocol(fields["protocol"]),
		ServerIP:       fields["server_ip"],
		StartTime:      time.UnixMilli(startMs),
		LastActiveTime: time.UnixMilli(lastMs),
		UserID:         fields["user_id"],
		AuthToken:      fields["auth_token"],
		Region:         fields["region"],
		NeedTranscode:  fields["need_transcode"] == "1",
		NeedRecord:     fields["need_record"] == "1",
	}
	if v, ok := fields["task_id"]; ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			task.TaskID = id
		}
	}
	if v, ok := fields["server_port"]; ok {
		if port, err := strconv.Atoi(v); err == nil {
			task.ServerPort = port
		}
	}
	task.TranscodingProfile = fields["transcoding_profile"]

	return task, true
}
