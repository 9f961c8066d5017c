package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"

	"homie/internal/logging"
)

const (
	defaultNTPInterval = 5 * time.Minute
	// Signed messages are rejected beyond 300s of skew; warn well before that.
	defaultNTPThreshold = 30 * time.Second
)

type SkewStatus struct {
	Offset    time.Duration
	Healthy   bool
	Err       error
	CheckedAt time.Time
}

// NTPChecker periodically measures the local clock offset. Heartbeats and jobs
// carry wall-clock timestamps, so a drifting host silently loses its peers.
type NTPChecker struct {
	mu        sync.RWMutex
	status    SkewStatus
	server    string
	interval  time.Duration
	threshold time.Duration
	log       *zap.SugaredLogger

	// QueryFunc replaces the network query in tests.
	QueryFunc func(server string) (time.Duration, error)
}

func NewNTPChecker(server string) *NTPChecker {
	return &NTPChecker{
		server:    server,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
		log:       logging.Logger("clock"),
	}
}

func (n *NTPChecker) Run(ctx context.Context) {
	n.Check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Check()
		}
	}
}

// Check performs one measurement and logs when the offset is unhealthy.
func (n *NTPChecker) Check() SkewStatus {
	query := n.QueryFunc
	if query == nil {
		query = queryOffset
	}
	offset, err := query(n.server)

	st := SkewStatus{Offset: offset, Err: err, CheckedAt: time.Now()}
	st.Healthy = err == nil && offset.Abs() < n.threshold

	switch {
	case err != nil:
		n.log.Debugw("ntp query failed", "server", n.server, "err", err)
	case !st.Healthy:
		n.log.Warnw("local clock skew may cause peers to reject signed messages",
			"offset", offset, "threshold", n.threshold)
	}

	n.mu.Lock()
	n.status = st
	n.mu.Unlock()
	return st
}

func (n *NTPChecker) Status() SkewStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func queryOffset(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
