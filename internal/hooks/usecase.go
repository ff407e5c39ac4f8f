package hooks

import (
	"github.com/User-W-20/StreamGate/internal/models"
	"github.com/User-W-20/StreamGate/internal/scheduler"
	"github.com/User-W-20/StreamGate/pkg/logging"
)

// TaskScheduler is the slice of the scheduler the hook layer drives.
type TaskScheduler interface {
	OnPublish(streamName, clientID, authToken string, protocol models.Protocol, cb scheduler.Callback)
	OnPlay(streamName, clientID, authToken string, protocol models.Protocol, cb scheduler.Callback)
	OnPublishDone(streamName, clientID string)
	OnPlayDone(streamName, clientID string)
}

// UseCase converts hook requests into scheduler operations and
// scheduler outcomes into decisions.
type UseCase struct {
	scheduler TaskScheduler
	logger    logging.Logger
}

// NewUseCase creates the hook use case.
func NewUseCase(sched TaskScheduler, logger logging.Logger) *UseCase {
	return &UseCase{scheduler: sched, logger: logger}
}

// ProcessPublish authorizes and registers a publisher; the decision
// arrives through cb exactly once.
func (u *UseCase) ProcessPublish(req *Request, cb func(Decision)) {
	u.scheduler.OnPublish(req.StreamKey(), req.ClientID, req.Token(), req.Protocol, func(res scheduler.Result) {
		cb(mapSchedulerResult(res))
	})
}

// ProcessPlay authorizes a player and binds it to the publisher.
func (u *UseCase) ProcessPlay(req *Request, cb func(Decision)) {
	u.scheduler.OnPlay(req.StreamKey(), req.ClientID, req.Token(), req.Protocol, func(res scheduler.Result) {
		cb(mapSchedulerResult(res))
	})
}

// ProcessPublishDone tears the stream down; always allowed.
func (u *UseCase) ProcessPublishDone(req *Request) Decision {
	u.scheduler.OnPublishDone(req.StreamKey(), req.ClientID)
	return Allow()
}

// ProcessPlayDone removes one player; always allowed.
func (u *UseCase) ProcessPlayDone(req *Request) Decision {
	u.scheduler.OnPlayDone(req.StreamKey(), req.ClientID)
	return Allow()
}

func mapSchedulerResult(res scheduler.Result) Decision {
	switch res.Code {
	case scheduler.Success:
		return Allow()
	case scheduler.AuthFailed, scheduler.AlreadyPublishing:
		return Deny(ResultAuthDenied, res.Message)
	case scheduler.NoPublisher:
		return Deny(ResultNotReady, res.Message)
	default:
		return Deny(ResultInternalError, res.Message)
	}
}
