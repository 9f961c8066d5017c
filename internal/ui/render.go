package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"homie/pkg/model"
)

// PeerTable lists discovered peers.
func PeerTable(peers []model.PeerRecord, now time.Time) string {
	out := make([][]string, 0, len(peers))
	for _, p := range peers {
		gpu := "-"
		if p.HasGPU() {
			gpu = fmt.Sprintf("%s (%.1f GB free)", p.Caps.GPUName, p.Caps.GPUFreeGB)
		}
		out = append(out, []string{
			p.Name,
			p.Addr(),
			status(p.Status),
			fmt.Sprintf("%.0f%%", p.Caps.CPUIdlePercent),
			fmt.Sprintf("%.1f / %.1f GB", p.Caps.RAMFreeGB, p.Caps.RAMTotalGB),
			gpu,
			ago(now.Sub(p.LastSeen)),
		})
	}
	return Table([]string{"NAME", "ADDRESS", "STATUS", "CPU IDLE", "RAM FREE", "GPU", "SEEN"}, out)
}

// RunningTable lists the jobs running on one peer.
func RunningTable(peer string, running []model.RunningJob, now time.Time) string {
	rows := make([][]string, 0, len(running))
	for _, j := range running {
		rows = append(rows, []string{peer, j.ID, j.Sender, j.Filename, now.Sub(j.StartedAt).Round(time.Second).String()})
	}
	return Table([]string{"PEER", "JOB", "SENDER", "FILE", "RUNNING"}, rows)
}

// HistoryTable lists job history, newest first.
func HistoryTable(recs []model.JobRecord) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		cmd := strings.TrimSpace(r.Filename + " " + strings.Join(r.Args, " "))
		rows = append(rows, []string{
			r.StartTime.Local().Format("01-02 15:04:05"),
			r.ID,
			r.Role,
			r.Peer,
			cmd,
			state(r.State),
			strconv.Itoa(r.ExitCode),
			r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String(),
		})
	}
	return Table([]string{"STARTED", "JOB", "ROLE", "PEER", "COMMAND", "STATE", "EXIT", "DURATION"}, rows)
}

// Summary renders the outcome of one submission.
func Summary(peer, jobID string, elapsed time.Duration, exitCode int, timedOut bool, files []string) string {
	var head string
	switch {
	case timedOut:
		head = WarnMsg("job %s on %s timed out", jobID, peer)
	case exitCode == 0:
		head = SuccessMsg("job %s on %s finished", jobID, peer)
	default:
		head = ErrorMsg("job %s on %s exited with code %d", jobID, peer, exitCode)
	}
	pairs := []KV{
		{"peer", Accent(peer)},
		{"job", jobID},
		{"elapsed", elapsed.Round(time.Millisecond).String()},
		{"exit code", strconv.Itoa(exitCode)},
	}
	if len(files) > 0 {
		pairs = append(pairs, KV{"files", strings.Join(files, ", ")})
	}
	return head + "\n" + KeyValues("  ", pairs...)
}

func status(s model.PeerStatus) string {
	if s == model.PeerBusy {
		return WarnStyle.Render(string(s))
	}
	return SuccessStyle.Render(string(s))
}

func state(s model.JobState) string {
	switch s {
	case model.JobSuccess:
		return SuccessStyle.Render(s.String())
	case model.JobFailed:
		return ErrorStyle.Render(s.String())
	case model.JobTimedOut, model.JobCancelled:
		return WarnStyle.Render(s.String())
	default:
		return s.String()
	}
}

func ago(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	return d.Round(time.Second).String() + " ago"
}
