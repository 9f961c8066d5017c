package model

import "time"

// JobState 任务在历史记录中的终态
type JobState int

const (
	JobPending   JobState = iota // 已提交，尚未结束
	JobRunning                   // 正在运行
	JobSuccess                   // exit 0
	JobFailed                    // 非零退出或远端错误
	JobTimedOut                  // 超过执行时限被强制终止
	JobCancelled                 // 被 kill 或客户端断开
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSuccess:
		return "success"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	case JobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExitTimedOut is the exit code reported when the sandbox was killed at its deadline.
const ExitTimedOut = -1

type Job struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Filename string `json:"filename"`
	Code     []byte `json:"code"`

	// 参数顺序必须保持
	Args  []string          `json:"args"`
	Files map[string][]byte `json:"files"`

	// Image 是沙箱镜像提示；为空时 Worker 使用自己的默认镜像
	Image      string `json:"image,omitempty"`
	RequireGPU bool   `json:"require_gpu,omitempty"`

	// Unix 毫秒
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"sig"`
}

// InputNames returns the target filename plus every extra file name.
func (j *Job) InputNames() map[string]struct{} {
	names := make(map[string]struct{}, len(j.Files)+1)
	names[j.Filename] = struct{}{}
	for name := range j.Files {
		names[name] = struct{}{}
	}
	return names
}

type JobResult struct {
	ExitCode int               `json:"exit_code"`
	TimedOut bool              `json:"timed_out"`
	Elapsed  time.Duration     `json:"-"`
	Files    map[string][]byte `json:"files"`
}

// State maps a finished result onto its history state.
func (r *JobResult) State() JobState {
	switch {
	case r.TimedOut:
		return JobTimedOut
	case r.ExitCode == 0:
		return JobSuccess
	default:
		return JobFailed
	}
}

// RunningJob is what a worker reports for ListJobs.
type RunningJob struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Filename  string    `json:"filename"`
	StartedAt time.Time `json:"started_at"`
}

// JobRecord is one row of job history, on either side of the wire.
type JobRecord struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "sender" | "runner"
	Peer      string    `json:"peer"`
	Filename  string    `json:"filename"`
	Args      []string  `json:"args"`
	Image     string    `json:"image,omitempty"`
	State     JobState  `json:"state"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	Files     int       `json:"files"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

const (
	RoleSender = "sender"
	RoleRunner = "runner"
)
