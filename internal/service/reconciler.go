// Package service 实现事件对账引擎
//
// 引擎把链上合约事件增量投影到关系库: 先按检查点回填历史
// 区间，追平后进入实时流式消费。每个批次的全部投影写入与
// 检查点推进在同一个数据库事务内提交，崩溃恢复后从检查点
// 续扫即可，配合投影函数的幂等性保证不重不漏。
//
// 重组处理: 引擎维护最近提交批次的区块头环，发现已检查点
// 高度的哈希与链上不一致时回退检查点到最近的规范高度并重新
// 回填。被孤立区间已提交的投影行不做物理回滚，依赖规范链
// 替换事件的幂等重放收敛 (已知的短暂陈旧窗口)。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bountylab/bounty-indexer/internal/kafka"
	"github.com/bountylab/bounty-indexer/internal/metrics"
	"github.com/bountylab/bounty-indexer/internal/model"
	"github.com/bountylab/bounty-indexer/internal/projector"
	"github.com/bountylab/bounty-indexer/internal/repository"
	"github.com/bountylab/bounty-indexer/internal/source"
	"github.com/bountylab/bounty-indexer/pkg/lock"
	"github.com/bountylab/bounty-indexer/pkg/logger"
)

var (
	ErrReconcilerAlreadyRunning = errors.New("reconciler already running")
	ErrReconcilerNotRunning     = errors.New("reconciler not running")
	// ErrWriterLockNotAcquired 未取得单写者锁
	ErrWriterLockNotAcquired = errors.New("writer lock not acquired")
	// ErrWriterLockLost 运行中丢失单写者锁
	ErrWriterLockLost = errors.New("writer lock lost")
	// ErrEventOrderViolation 批次内事件乱序
	ErrEventOrderViolation = errors.New("event order violation in batch")
)

// State 引擎状态
type State int8

const (
	StateInitializing State = 0 // 初始化 (取锁、读检查点)
	StateBackfilling  State = 1 // 回填历史区间
	StateStreaming    State = 2 // 实时流式消费
	StateReconciling  State = 3 // 重组恢复
	StateHalted       State = 4 // 因结构性错误停机
	StateStopped      State = 5 // 正常停止
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateBackfilling:
		return "BACKFILLING"
	case StateStreaming:
		return "STREAMING"
	case StateReconciling:
		return "RECONCILING"
	case StateHalted:
		return "HALTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// EventApplier 事件投影接口
type EventApplier interface {
	Apply(ctx context.Context, event *model.Event) error
}

// Transactor 事务边界接口
//
// 实现方负责对可重试的数据库错误 (死锁、序列化失败等)
// 在事务粒度上重试。
type Transactor interface {
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error
}

// ReconcilerConfig 对账引擎配置
type ReconcilerConfig struct {
	ChainID         int64
	ContractAddress string
	StartBlock      uint64        // 无检查点时的起始区块
	BatchSize       uint64        // 单批次覆盖的区块数
	PollInterval    time.Duration // 回填追平后的头部轮询间隔
	DebounceWindow  time.Duration // 流式事件合并窗口
	HeaderHistory   int           // 重组检测保留的区块头数量
	MaxTxRetries    int           // 单批次事务内部重试次数
	LockRefreshFreq time.Duration // 单写者锁续期周期
	MaxBackoff      time.Duration // 临时错误退避上限
}

func (c *ReconcilerConfig) withDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 200
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = 250 * time.Millisecond
	}
	if c.HeaderHistory == 0 {
		c.HeaderHistory = 64
	}
	if c.MaxTxRetries == 0 {
		c.MaxTxRetries = 3
	}
	if c.LockRefreshFreq == 0 {
		c.LockRefreshFreq = 10 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Minute
	}
}

// ReconcilerStatus 引擎运行状态快照
type ReconcilerStatus struct {
	State           string `json:"state"`
	ChainID         int64  `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	CheckpointBlock uint64 `json:"checkpoint_block"`
	HeadBlock       uint64 `json:"head_block"`
	LagBlocks       int64  `json:"lag_blocks"`
	LastError       string `json:"last_error,omitempty"`
}

// Reconciler 事件对账引擎
//
// 单写者: 同一 (chain_id, contract_address) 同时只允许一个
// 引擎实例推进投影，由 Redis 锁保证。
type Reconciler struct {
	cfg            ReconcilerConfig
	source         source.EventSource
	applier        EventApplier
	checkpointRepo repository.CheckpointRepository
	tx             Transactor
	writerLock     *lock.RedisLock
	notifier       kafka.Notifier

	mu         sync.RWMutex
	state      State
	running    bool
	lastErr    error
	checkpoint uint64 // 0 表示尚无检查点
	head       uint64
	headers    *headerRing

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler 创建对账引擎
func NewReconciler(
	src source.EventSource,
	applier EventApplier,
	checkpointRepo repository.CheckpointRepository,
	tx Transactor,
	writerLock *lock.RedisLock,
	notifier kafka.Notifier,
	cfg ReconcilerConfig,
) *Reconciler {
	cfg.withDefaults()
	return &Reconciler{
		cfg:            cfg,
		source:         src,
		applier:        applier,
		checkpointRepo: checkpointRepo,
		tx:             tx,
		writerLock:     writerLock,
		notifier:       notifier,
		state:          StateInitializing,
		headers:        newHeaderRing(cfg.HeaderHistory),
	}
}

// Start 启动引擎
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrReconcilerAlreadyRunning
	}
	r.running = true
	r.state = StateInitializing
	r.lastErr = nil
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	if r.writerLock != nil {
		acquired, err := r.writerLock.AcquireWithRetry(ctx, time.Second, 5)
		if err != nil || !acquired {
			r.mu.Lock()
			r.running = false
			r.state = StateStopped
			r.mu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrWriterLockNotAcquired, err)
			}
			return ErrWriterLockNotAcquired
		}
	}

	go r.run(ctx)

	logger.Info("reconciler started",
		zap.Int64("chain_id", r.cfg.ChainID),
		zap.String("contract", r.cfg.ContractAddress))
	return nil
}

// Stop 停止引擎，等待在途批次完成
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrReconcilerNotRunning
	}
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh

	r.releaseLock()

	logger.Info("reconciler stopped",
		zap.Int64("chain_id", r.cfg.ChainID))
	return nil
}

// IsRunning 是否在运行
func (r *Reconciler) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Err 返回导致引擎停机的错误
func (r *Reconciler) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Status 返回引擎状态快照
func (r *Reconciler) Status() *ReconcilerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := &ReconcilerStatus{
		State:           r.state.String(),
		ChainID:         r.cfg.ChainID,
		ContractAddress: r.cfg.ContractAddress,
		CheckpointBlock: r.checkpoint,
		HeadBlock:       r.head,
		LagBlocks:       int64(r.head) - int64(r.checkpoint),
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

func (r *Reconciler) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// releaseLock 释放单写者锁，正常停止与停机路径共用
func (r *Reconciler) releaseLock() {
	if r.writerLock == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.writerLock.Release(releaseCtx); err != nil && !errors.Is(err, lock.ErrLockNotHeld) {
		logger.Warn("failed to release writer lock", zap.Error(err))
	}
}

// halt 因结构性错误停机
func (r *Reconciler) halt(err error) {
	r.mu.Lock()
	r.state = StateHalted
	r.lastErr = err
	r.mu.Unlock()

	metrics.EngineHaltedGauge.Set(1)
	logger.Error("reconciler halted on structural error", zap.Error(err))
}

// run 引擎主循环
func (r *Reconciler) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		if r.state != StateHalted {
			r.state = StateStopped
		}
		halted := r.state == StateHalted
		r.mu.Unlock()
		if halted {
			// 停机也立即让出单写者锁，接管实例无需等待 TTL 过期
			r.releaseLock()
		}
		close(r.doneCh)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if r.writerLock != nil {
		go r.refreshLock(runCtx, cancel)
	}

	if err := r.initialize(runCtx); err != nil {
		if runCtx.Err() == nil {
			r.halt(fmt.Errorf("initialize failed: %w", err))
		}
		return
	}

	for runCtx.Err() == nil {
		r.setState(StateBackfilling)
		caughtUp, err := r.backfill(runCtx)
		if err != nil {
			if runCtx.Err() == nil {
				r.halt(err)
			}
			return
		}
		if !caughtUp {
			continue
		}

		r.setState(StateStreaming)
		reorged, err := r.stream(runCtx)
		if err != nil {
			if runCtx.Err() == nil {
				r.halt(err)
			}
			return
		}
		if reorged {
			if err := r.reconcile(runCtx); err != nil {
				if runCtx.Err() == nil {
					r.halt(err)
				}
				return
			}
		}
	}
}

// refreshLock 周期性续期单写者锁，续期失败即停机
//
// 锁丢失意味着可能已有另一实例在推进同一投影，
// 继续写入会破坏单写者约束。
func (r *Reconciler) refreshLock(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.cfg.LockRefreshFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := r.writerLock.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.halt(fmt.Errorf("%w: %v", ErrWriterLockLost, err))
			cancel()
			return
		}
	}
}

// initialize 读取检查点确定扫描起点
func (r *Reconciler) initialize(ctx context.Context) error {
	checkpoint, err := r.checkpointRepo.Get(ctx, r.cfg.ChainID, r.cfg.ContractAddress)
	if err != nil {
		if errors.Is(err, repository.ErrCheckpointNotFound) {
			start := uint64(0)
			if r.cfg.StartBlock > 0 {
				start = r.cfg.StartBlock - 1
			}
			r.mu.Lock()
			r.checkpoint = start
			r.mu.Unlock()
			logger.Info("no checkpoint found, starting from configured block",
				zap.Uint64("start_block", r.cfg.StartBlock))
			return nil
		}
		return err
	}

	r.mu.Lock()
	r.checkpoint = uint64(checkpoint.BlockNumber)
	r.mu.Unlock()
	if checkpoint.BlockHash != "" {
		r.headers.Record(&model.BlockHeader{
			Number: uint64(checkpoint.BlockNumber),
			Hash:   checkpoint.BlockHash,
		})
	}

	logger.Info("resuming from checkpoint",
		zap.Int64("block_number", checkpoint.BlockNumber),
		zap.String("block_hash", checkpoint.BlockHash))
	return nil
}

// backfill 回填 [checkpoint+1, head] 区间
//
// 返回 true 表示已追平链头，可以进入流式消费。
// 临时性错误无限退避重试，结构性错误向上返回 (停机)。
func (r *Reconciler) backfill(ctx context.Context) (bool, error) {
	backoff := time.Second

	for ctx.Err() == nil {
		head, err := r.source.CurrentHead(ctx)
		if err != nil {
			if !r.sleepBackoff(ctx, &backoff) {
				return false, nil
			}
			continue
		}
		r.observeHead(head)

		checkpoint := r.Checkpoint()
		if checkpoint >= head {
			return true, nil
		}

		// 检查已检查点高度是否仍在规范链上
		mismatch, err := r.checkCanonical(ctx)
		if err != nil {
			if !r.sleepBackoff(ctx, &backoff) {
				return false, nil
			}
			continue
		}
		if mismatch {
			if err := r.reconcile(ctx); err != nil {
				return false, err
			}
			continue
		}

		to := checkpoint + r.cfg.BatchSize
		if to > head {
			to = head
		}

		events, err := r.source.FetchRange(ctx, checkpoint+1, to)
		if err != nil {
			if source.IsDecodeError(err) {
				return false, fmt.Errorf("decode failed in range [%d, %d]: %w", checkpoint+1, to, err)
			}
			metrics.TransientRetriesTotal.Inc()
			if !r.sleepBackoff(ctx, &backoff) {
				return false, nil
			}
			continue
		}

		if err := r.commitBatch(ctx, events, to); err != nil {
			if isFatal(err) {
				return false, err
			}
			metrics.TransientRetriesTotal.Inc()
			if !r.sleepBackoff(ctx, &backoff) {
				return false, nil
			}
			continue
		}
		backoff = time.Second
	}
	return false, nil
}

// stream 实时流式消费
//
// 事件先进入合并窗口缓冲，窗口静默后按一个批次提交，
// 避免每个事件一个事务。返回 true 表示检测到重组，
// 需要进入 Reconciling。
func (r *Reconciler) stream(ctx context.Context) (bool, error) {
	events, err := r.source.Subscribe(ctx, r.Checkpoint()+1)
	if err != nil {
		// 订阅失败回到回填路径重试
		logger.Warn("subscribe failed, falling back to backfill", zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.PollInterval):
		}
		return false, nil
	}

	var pending []*model.Event
	var debounce *time.Timer
	var debounceCh <-chan time.Time

	canonicalTicker := time.NewTicker(r.cfg.PollInterval * 10)
	defer canonicalTicker.Stop()

	// flush 提交缓冲批次。临时性错误不在流式路径重试，
	// 回到回填路径退避重扫 (检查点保证不重复)。
	flush := func() (fatal error, transient bool) {
		if len(pending) == 0 {
			return nil, false
		}
		to := pending[len(pending)-1].BlockNumber
		if err := r.commitBatch(ctx, pending, to); err != nil {
			if isFatal(err) {
				return err, false
			}
			metrics.TransientRetriesTotal.Inc()
			return nil, true
		}
		pending = nil
		return nil, false
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil

		case event, ok := <-events:
			if !ok {
				// 订阅中断: 提交缓冲后回到回填路径重建
				fatal, _ := flush()
				return false, fatal
			}

			if event.BlockNumber <= r.Checkpoint() {
				// 低于检查点的新事件说明链被重组
				return true, nil
			}

			pending = append(pending, event)
			r.observeHead(event.BlockNumber)

			if uint64(len(pending)) >= r.cfg.BatchSize {
				fatal, transient := flush()
				if fatal != nil {
					return false, fatal
				}
				if transient {
					return false, nil
				}
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(r.cfg.DebounceWindow)
				debounceCh = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(r.cfg.DebounceWindow)
			}

		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			fatal, transient := flush()
			if fatal != nil {
				return false, fatal
			}
			if transient {
				return false, nil
			}

		case <-canonicalTicker.C:
			mismatch, err := r.checkCanonical(ctx)
			if err != nil {
				continue
			}
			if mismatch {
				if fatal, _ := flush(); fatal != nil {
					return false, fatal
				}
				return true, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return false, nil
		}
	}
}

// commitBatch 在单个事务内应用批次并推进检查点
func (r *Reconciler) commitBatch(ctx context.Context, events []*model.Event, to uint64) error {
	start := time.Now()

	for i := 1; i < len(events); i++ {
		if !events[i-1].Before(events[i]) {
			return fmt.Errorf("%w: (%d,%d) then (%d,%d)", ErrEventOrderViolation,
				events[i-1].BlockNumber, events[i-1].LogIndex,
				events[i].BlockNumber, events[i].LogIndex)
		}
	}

	blockHash := ""
	if header, err := r.source.HeaderAt(ctx, to); err == nil {
		blockHash = header.Hash
	}

	err := r.tx.TransactionWithRetry(ctx, r.cfg.MaxTxRetries, func(txCtx context.Context) error {
		for _, event := range events {
			if err := r.applier.Apply(txCtx, event); err != nil {
				return err
			}
		}
		return r.checkpointRepo.Advance(txCtx, r.cfg.ChainID, r.cfg.ContractAddress, int64(to), blockHash)
	})
	if err != nil {
		return err
	}

	from := r.Checkpoint() + 1
	r.mu.Lock()
	r.checkpoint = to
	r.mu.Unlock()
	if blockHash != "" {
		r.headers.Record(&model.BlockHeader{Number: to, Hash: blockHash})
	}

	metrics.BlocksProcessedTotal.Add(float64(to - from + 1))
	metrics.CheckpointBlockGauge.Set(float64(to))
	metrics.BatchSize.Observe(float64(len(events)))
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	for _, event := range events {
		metrics.EventsProjectedTotal.WithLabelValues(string(event.EventType)).Inc()
	}

	if len(events) > 0 {
		logger.Info("batch committed",
			zap.Uint64("from", from),
			zap.Uint64("to", to),
			zap.Int("events", len(events)))
	}

	r.notify(ctx, events, from, to)
	return nil
}

// checkCanonical 校验最近检查点高度的哈希是否仍在规范链上
func (r *Reconciler) checkCanonical(ctx context.Context) (bool, error) {
	latest, ok := r.headers.Latest()
	if !ok {
		return false, nil
	}

	current, err := r.source.HeaderAt(ctx, latest.Number)
	if err != nil {
		return false, err
	}
	return current.Hash != latest.Hash, nil
}

// reconcile 重组恢复
//
// 从区块头环逆序回溯，找到第一个哈希仍与链上一致的高度
// 作为安全点，回退检查点后由回填路径重扫规范链事件。
// 环内全部失配时回退到环外最老高度之前。
func (r *Reconciler) reconcile(ctx context.Context) error {
	r.setState(StateReconciling)
	metrics.ReorgsTotal.Inc()

	recorded := r.headers.Descending()
	var safe *model.BlockHeader

	for _, h := range recorded {
		current, err := r.source.HeaderAt(ctx, h.Number)
		if err != nil {
			return fmt.Errorf("fetch header %d during reconcile: %w", h.Number, err)
		}
		if current.Hash == h.Hash {
			safe = current
			break
		}
	}

	var rewindTo uint64
	var rewindHash string
	if safe != nil {
		rewindTo = safe.Number
		rewindHash = safe.Hash
	} else {
		// 重组深度超过记录窗口: 回退到记录窗口之前
		rewindTo = r.cfg.StartBlock
		if len(recorded) > 0 {
			oldest := recorded[len(recorded)-1].Number
			if oldest > 0 && oldest-1 > r.cfg.StartBlock {
				rewindTo = oldest - 1
			}
		}
		if header, err := r.source.HeaderAt(ctx, rewindTo); err == nil {
			rewindHash = header.Hash
		}
	}

	if err := r.checkpointRepo.Rewind(ctx, r.cfg.ChainID, r.cfg.ContractAddress, int64(rewindTo), rewindHash); err != nil {
		if !errors.Is(err, repository.ErrCheckpointNotFound) {
			return fmt.Errorf("rewind checkpoint to %d: %w", rewindTo, err)
		}
	}

	r.mu.Lock()
	r.checkpoint = rewindTo
	r.mu.Unlock()
	r.headers.TruncateAbove(rewindTo)

	logger.Warn("chain reorg detected, checkpoint rewound",
		zap.Uint64("rewind_to", rewindTo),
		zap.String("block_hash", rewindHash))
	return nil
}

// notify 按批次内出现的实体类型各发送一条变更通知
//
// 尽力而为: 通知失败不影响已提交的批次。
func (r *Reconciler) notify(ctx context.Context, events []*model.Event, from, to uint64) {
	if r.notifier == nil || len(events) == 0 {
		return
	}

	counts := make(map[kafka.EntityType]int)
	for _, event := range events {
		for _, entity := range changedEntities(event.EventType) {
			counts[entity]++
		}
	}

	for entity, count := range counts {
		change := &kafka.ProjectionChange{
			ChainID:         r.cfg.ChainID,
			ContractAddress: r.cfg.ContractAddress,
			EntityType:      entity,
			FromBlock:       from,
			ToBlock:         to,
			EventCount:      count,
			OccurredAt:      time.Now().UnixMilli(),
		}
		if err := r.notifier.NotifyProjectionChange(ctx, change); err != nil {
			metrics.NotifyFailuresTotal.WithLabelValues(string(entity)).Inc()
			logger.Warn("projection change notify failed",
				zap.String("entity_type", string(entity)),
				zap.Error(err))
		}
	}
}

// changedEntities 事件类型影响的投影实体
func changedEntities(eventType model.EventType) []kafka.EntityType {
	switch eventType {
	case model.EventTypeBountyCreated, model.EventTypeBountyCompleted, model.EventTypeBountyCancelled:
		return []kafka.EntityType{kafka.EntityTypeBounty}
	case model.EventTypeSubmissionCreated:
		return []kafka.EntityType{kafka.EntityTypeSubmission, kafka.EntityTypeHunter}
	case model.EventTypeSubmissionValidated:
		return []kafka.EntityType{kafka.EntityTypeSubmission, kafka.EntityTypeHunter, kafka.EntityTypeBounty}
	case model.EventTypeRewardPaid:
		return []kafka.EntityType{kafka.EntityTypeSubmission, kafka.EntityTypeHunter}
	default:
		return nil
	}
}

// Checkpoint 当前检查点高度
func (r *Reconciler) Checkpoint() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkpoint
}

// observeHead 记录观察到的链头
func (r *Reconciler) observeHead(head uint64) {
	r.mu.Lock()
	if head > r.head {
		r.head = head
	}
	checkpoint := r.checkpoint
	current := r.head
	r.mu.Unlock()

	metrics.HeadBlockGauge.Set(float64(current))
	metrics.IndexLagGauge.Set(float64(int64(current) - int64(checkpoint)))
}

// sleepBackoff 指数退避等待，返回 false 表示 ctx 已取消
func (r *Reconciler) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > r.cfg.MaxBackoff {
		*backoff = r.cfg.MaxBackoff
	}
	return true
}

// isFatal 判断批次提交错误是否需要停机
//
// 结构性错误重试不可能成功，盲目重试会在同一输入上死循环。
func isFatal(err error) bool {
	return projector.IsStructural(err) ||
		errors.Is(err, ErrEventOrderViolation) ||
		errors.Is(err, repository.ErrCheckpointRegression) ||
		source.IsDecodeError(err)
}
