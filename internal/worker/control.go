package worker

import (
	"sort"

	"go.uber.org/zap"

	"homie/internal/auth"
	"homie/internal/protocol"
	"homie/pkg/model"
)

// handleControl 处理 ListJobs / KillJob，签名校验与任务提交相同
func (a *Agent) handleControl(t protocol.Type, payload []byte, w *protocol.Writer, log *zap.SugaredLogger) {
	var req protocol.Control
	if err := protocol.DecodeJSON(payload, &req); err != nil {
		_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeProtocol, "malformed request"))
		return
	}
	if err := auth.Verify(req.Purpose(t), req.SignedID(t), req.Timestamp, req.Signature, a.opts.Secret); err != nil {
		log.Warnw("rejected control request", "type", t, "requester", req.Requester, "err", err)
		_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeAuthRejected, ""))
		return
	}

	switch t {
	case protocol.TypeListJobs:
		body, err := protocol.EncodeJSON(a.Running())
		if err != nil {
			_ = w.WriteFrame(protocol.TypeError, protocol.EncodeError(protocol.CodeInternal, err.Error()))
			return
		}
		_ = w.WriteFrame(protocol.TypeJobList, body)

	case protocol.TypeKillJob:
		found := a.kill(req.JobID)
		log.Infow("kill request", "job", req.JobID, "requester", req.Requester, "found", found)
		ack := byte(0)
		if found {
			ack = 1
		}
		_ = w.WriteFrame(protocol.TypeAck, []byte{ack})
	}
}

func sortRunning(jobs []model.RunningJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.Before(jobs[j].StartedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
