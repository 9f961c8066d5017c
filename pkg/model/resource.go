package model

import (
	"net"
	"strconv"
)

// Resource is the capability snapshot a peer advertises in every heartbeat.
type Resource struct {
	CPUIdlePercent float64 `json:"cpu_idle_percent"`
	RAMFreeGB      float64 `json:"ram_free_gb"`
	RAMTotalGB     float64 `json:"ram_total_gb"`
	GPUName        string  `json:"gpu_name,omitempty"`
	GPUFreeGB      float64 `json:"gpu_free_gb,omitempty"`
}

// Covers reports whether r satisfies the minimum requirements in need.
func (r Resource) Covers(need Resource) bool {
	if need.GPUName != "" && r.GPUName == "" {
		return false
	}
	return r.RAMFreeGB >= need.RAMFreeGB && r.GPUFreeGB >= need.GPUFreeGB
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
