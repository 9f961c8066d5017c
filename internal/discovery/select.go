package discovery

import (
	"homie/pkg/model"
)

// Predicate 硬性条件 (Filter 阶段)
type Predicate func(p model.PeerRecord) bool

// Scorer 打分函数 (Score 阶段)，分数越高越优先
type Scorer func(p model.PeerRecord) float64

// Any accepts every peer.
func Any(model.PeerRecord) bool { return true }

// NeedsGPU accepts peers that advertised a GPU.
func NeedsGPU(p model.PeerRecord) bool { return p.HasGPU() }

// Covers accepts peers whose advertised capabilities satisfy need.
func Covers(need model.Resource) Predicate {
	return func(p model.PeerRecord) bool { return p.Caps.Covers(need) }
}

// All accepts peers that every predicate accepts.
func All(preds ...Predicate) Predicate {
	return func(p model.PeerRecord) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

func ByCPUIdle(p model.PeerRecord) float64 { return p.Caps.CPUIdlePercent }

func ByFreeRAM(p model.PeerRecord) float64 { return p.Caps.RAMFreeGB }

// ByBalanced 空闲内存 × CPU 空闲比例，兼顾两者
func ByBalanced(p model.PeerRecord) float64 {
	return p.Caps.RAMFreeGB * (p.Caps.CPUIdlePercent / 100)
}

// Scorers maps the names accepted on the command line.
var Scorers = map[string]Scorer{
	"cpu":      ByCPUIdle,
	"ram":      ByFreeRAM,
	"balanced": ByBalanced,
}

// filterPeers 返回满足硬性条件且空闲的候选者
func filterPeers(peers []model.PeerRecord, pred Predicate) []model.PeerRecord {
	candidates := make([]model.PeerRecord, 0, len(peers))
	for _, p := range peers {
		if p.Status != model.PeerIdle {
			continue
		}
		if pred != nil && !pred(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	return candidates
}

// scorePeers 选出最高分节点；同分时取名字字典序更小的，保证结果确定
func scorePeers(peers []model.PeerRecord, score Scorer) (model.PeerRecord, bool) {
	if score == nil {
		score = ByBalanced
	}
	var (
		best     model.PeerRecord
		maxScore float64
		found    bool
	)
	for _, p := range peers {
		s := score(p)
		if !found || s > maxScore || (s == maxScore && p.Name < best.Name) {
			best, maxScore, found = p, s, true
		}
	}
	return best, found
}
