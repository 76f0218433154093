package service

import (
	"sync"

	"github.com/bountylab/bounty-indexer/internal/model"
)

// headerRing 最近处理过的区块头环形缓冲
//
// 用于重组检测: 记录每个已提交批次末尾的 (height, hash)，
// 检测到哈希不匹配时从这里回溯最近的仍在规范链上的高度。
type headerRing struct {
	mu      sync.RWMutex
	headers []*model.BlockHeader
	size    int
}

func newHeaderRing(size int) *headerRing {
	if size <= 0 {
		size = 64
	}
	return &headerRing{
		headers: make([]*model.BlockHeader, 0, size),
		size:    size,
	}
}

// Record 记录一个区块头，保持按高度升序且容量有界
func (r *headerRing) Record(header *model.BlockHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 同高度覆盖 (重组恢复后重新推进)
	for i := len(r.headers) - 1; i >= 0; i-- {
		if r.headers[i].Number == header.Number {
			r.headers[i] = header
			r.headers = r.headers[:i+1]
			return
		}
		if r.headers[i].Number < header.Number {
			r.headers = append(r.headers[:i+1], header)
			if len(r.headers) > r.size {
				r.headers = r.headers[len(r.headers)-r.size:]
			}
			return
		}
	}
	r.headers = append(r.headers[:0], header)
}

// Latest 返回最近记录的区块头
func (r *headerRing) Latest() (*model.BlockHeader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.headers) == 0 {
		return nil, false
	}
	return r.headers[len(r.headers)-1], true
}

// Descending 按高度降序返回记录的区块头快照
func (r *headerRing) Descending() []*model.BlockHeader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.BlockHeader, len(r.headers))
	for i, h := range r.headers {
		out[len(r.headers)-1-i] = h
	}
	return out
}

// TruncateAbove 丢弃高于 number 的记录 (重组回退后调用)
func (r *headerRing) TruncateAbove(number uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.headers {
		if h.Number > number {
			r.headers = r.headers[:i]
			return
		}
	}
}

// Len 当前记录数
func (r *headerRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.headers)
}
