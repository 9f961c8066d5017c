package model

import "time"

// PeerStatus 节点对外宣告的忙闲状态
type PeerStatus string

const (
	PeerIdle PeerStatus = "idle"
	PeerBusy PeerStatus = "busy"
)

// Valid reports whether s is one of the two advertised states.
func (s PeerStatus) Valid() bool {
	return s == PeerIdle || s == PeerBusy
}

// PeerRecord 是注册表里的一条节点记录。
// Name 是唯一键；LastSeen 只由本地时钟写入，不信任对端时间。
type PeerRecord struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`

	// 资源视图 (来自心跳)
	Caps Resource `json:"caps"`

	Status   PeerStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`
}

// Addr returns the host:port of the peer's worker listener.
func (p PeerRecord) Addr() string {
	return joinHostPort(p.IP, p.Port)
}

// HasGPU reports whether the peer advertised a GPU.
func (p PeerRecord) HasGPU() bool {
	return p.Caps.GPUName != ""
}

// Heartbeat 是 UDP 广播的签名数据报
type Heartbeat struct {
	Name   string     `json:"name"`
	IP     string     `json:"ip"`
	Port   int        `json:"port"`
	Caps   Resource   `json:"caps"`
	Status PeerStatus `json:"status"`

	// 发送方墙钟，Unix 毫秒
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"sig"`
}

// Record converts a verified heartbeat into a registry entry stamped at seen.
func (h Heartbeat) Record(seen time.Time) PeerRecord {
	return PeerRecord{
		Name:     h.Name,
		IP:       h.IP,
		Port:     h.Port,
		Caps:     h.Caps,
		Status:   h.Status,
		LastSeen: seen,
	}
}
