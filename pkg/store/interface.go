package store

import (
	"context"
	"errors"

	"homie/pkg/model"
)

var ErrNotFound = errors.New("not found")

// History 任务历史 (发送方和执行方都会写入)
// 任何实现了这个接口的 Struct 都可以注入到 Worker / Client 中
type History interface {
	// Record 插入或覆盖一条记录 (按 ID + Role 唯一)
	Record(ctx context.Context, rec *model.JobRecord) error

	// List 按开始时间倒序返回最近 limit 条；limit <= 0 表示全部
	List(ctx context.Context, limit int) ([]model.JobRecord, error)

	Get(ctx context.Context, id, role string) (*model.JobRecord, error)

	Close() error
}

// PeerMirror 把本地发现的节点同步到外部存储 (etcd)，供局域网外的工具读取
type PeerMirror interface {
	PutPeer(ctx context.Context, p model.PeerRecord) error
	DeletePeer(ctx context.Context, name string) error
	ListPeers(ctx context.Context) ([]model.PeerRecord, error)
	Close() error
}
