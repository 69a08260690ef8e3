package startup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Prerelease/core/identity"
	"Prerelease/logger"
	"Prerelease/model"
)

// DefaultRemoteTimeout 远端探测与资料拉取共用的超时上限
const DefaultRemoteTimeout = 15 * time.Second

// Profiles is the part of the profile manager the orchestrator drives.
type Profiles interface {
	LoadLocal(ctx context.Context) (*model.UserProfile, error)
	ApplyRemote(ctx context.Context, remote *model.UserProfile, stillCurrent func() bool) (bool, error)
	Reset(ctx context.Context) error
	Current() *model.UserProfile
}

// Status 暴露给展示层的同步状态
type Status struct {
	State     model.SyncState `json:"state"`
	Degraded  bool            `json:"degraded"`
	Reason    string          `json:"reason,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// NeedsSetup 与 SyncComplete 互斥，最多一个为 true
func (s Status) NeedsSetup() bool { return s.State == model.SyncNeedsSetup }

func (s Status) SyncComplete() bool { return s.State == model.SyncComplete }

type run struct {
	epoch  uint64
	cancel context.CancelFunc
	done   chan struct{}

	// 在 done 关闭前写入
	result Status
	stale  bool
}

// Orchestrator 启动同步状态机。同一时间最多一次同步在进行，
// 终态会一直保留到下一次重置。
type Orchestrator struct {
	profiles Profiles
	remote   identity.Client
	timeout  time.Duration

	mu        sync.Mutex
	status    Status
	epoch     uint64
	running   *run
	resetDone chan struct{}
	subs      map[chan Status]struct{}
	onReset   []func()
}

// NewOrchestrator timeout <= 0 时使用 DefaultRemoteTimeout
func NewOrchestrator(profiles Profiles, remote identity.Client, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &Orchestrator{
		profiles: profiles,
		remote:   remote,
		timeout:  timeout,
		status:   Status{State: model.SyncIdle, UpdatedAt: time.Now()},
		subs:     make(map[chan Status]struct{}),
	}
}

// Status 当前状态快照
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// OnReset registers fn to run at the start of every reset, before the local
// store is cleared.
func (o *Orchestrator) OnReset(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onReset = append(o.onReset, fn)
}

// Subscribe 订阅状态变化，返回的函数用于取消订阅。
// 订阅者跟不上时丢弃最旧的状态，最新的状态总会送达。
func (o *Orchestrator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	o.mu.Lock()
	o.subs[ch] = struct{}{}
	ch <- o.status
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, ch)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) setStatusLocked(s Status) {
	s.UpdatedAt = time.Now()
	o.status = s
	for ch := range o.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// PerformStartupSync 执行启动同步。并发调用会等待同一次同步的结果，
// 已到达终态时直接返回缓存的状态。ctx 只控制调用方的等待。
func (o *Orchestrator) PerformStartupSync(ctx context.Context) Status {
	for {
		o.mu.Lock()
		if ch := o.resetDone; ch != nil {
			o.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return o.Status()
			}
		}

		r := o.running
		if r == nil {
			if o.status.State.Terminal() {
				s := o.status
				o.mu.Unlock()
				return s
			}
			r = o.startLocked(ctx)
		}
		o.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			return o.Status()
		}
		if r.stale {
			continue
		}
		return r.result
	}
}

func (o *Orchestrator) startLocked(ctx context.Context) *run {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		epoch:  o.epoch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.running = r
	go o.execute(runCtx, r)
	return r
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer r.cancel()

	o.transition(r, Status{State: model.SyncCheckingLocal})

	local, err := o.profiles.LoadLocal(ctx)
	if err != nil {
		logger.Warn("本地资料不可读，需要重新设置", logger.ErrorField(err))
		o.finish(r, Status{State: model.SyncNeedsSetup, Reason: "local profile unreadable"})
		return
	}
	if local == nil {
		// 读取之后资料可能已经由首次设置创建
		if o.profiles.Current() != nil {
			o.finish(r, Status{State: model.SyncComplete})
			return
		}
		logger.Info("本机没有资料，进入首次设置")
		o.finish(r, Status{State: model.SyncNeedsSetup})
		return
	}

	o.transition(r, Status{State: model.SyncVerifyingRemote})
	o.finish(r, o.reconcile(ctx, r, local))
}

// reconcile 远端探测、拉取与 last-writer-wins 对账。任何远端失败都降级为本地资料可用。
func (o *Orchestrator) reconcile(ctx context.Context, r *run, local *model.UserProfile) Status {
	rctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	degraded := func(reason string, err error) Status {
		logger.Warn("远端同步失败，使用本地资料",
			logger.String("reason", reason),
			logger.String("profileId", local.ID),
			logger.ErrorField(err))
		return Status{State: model.SyncComplete, Degraded: true, Reason: reason}
	}

	if err := o.remote.HealthCheck(rctx); err != nil {
		return degraded("remote unavailable", err)
	}

	remote, err := o.remote.FetchProfile(rctx, local.ID)
	if err != nil {
		return degraded("remote profile fetch failed", err)
	}

	switch {
	case remote == nil:
		if err := o.remote.UpsertProfile(rctx, local); err != nil {
			return degraded(pushReason(err), err)
		}
		logger.Info("远端没有该资料，已上传本地资料", logger.String("profileId", local.ID))

	case !remote.UpdatedAt.IsZero() && local.UpdatedAt.After(remote.UpdatedAt):
		if err := o.remote.UpsertProfile(rctx, local); err != nil {
			return degraded(pushReason(err), err)
		}
		logger.Info("本地资料较新，已推送到远端", logger.String("profileId", local.ID))

	default:
		applied, err := o.profiles.ApplyRemote(ctx, remote, func() bool { return o.isCurrent(r) })
		if err != nil {
			return degraded("local store write failed", err)
		}
		if applied {
			logger.Info("已应用远端资料", logger.String("profileId", remote.ID))
		}
	}
	return Status{State: model.SyncComplete}
}

func pushReason(err error) string {
	if errors.Is(err, model.ErrConflict) {
		return "username taken on remote"
	}
	return "remote profile push failed"
}

func (o *Orchestrator) isCurrent(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.epoch == o.epoch
}

func (o *Orchestrator) transition(r *run, s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.epoch != o.epoch {
		return
	}
	o.setStatusLocked(s)
}

func (o *Orchestrator) finish(r *run, s Status) {
	o.mu.Lock()
	if r.epoch != o.epoch {
		r.stale = true
		logger.Debug("丢弃过期的同步结果", logger.String("state", string(s.State)))
	} else {
		o.setStatusLocked(s)
		r.result = o.status
		logger.Info("启动同步完成",
			logger.String("state", string(s.State)),
			logger.Bool("degraded", s.Degraded))
	}
	if o.running == r {
		o.running = nil
	}
	o.mu.Unlock()
	close(r.done)
}

// ForceCompleteReset 清空本地资料与专辑缓存，回到 Idle 并重新执行启动同步。
// 进行中的同步被取消，其迟到的结果会被丢弃。
func (o *Orchestrator) ForceCompleteReset(ctx context.Context) (Status, error) {
	o.mu.Lock()
	if ch := o.resetDone; ch != nil {
		o.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return o.Status(), ctx.Err()
		}
		return o.PerformStartupSync(ctx), nil
	}

	o.epoch++
	if o.running != nil {
		o.running.cancel()
		o.running = nil
	}
	done := make(chan struct{})
	o.resetDone = done
	o.setStatusLocked(Status{State: model.SyncResetting})
	hooks := append([]func(){}, o.onReset...)
	o.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	err := o.profiles.Reset(ctx)
	if err != nil {
		logger.Error("清空本地数据失败", logger.ErrorField(err))
		err = fmt.Errorf("reset local store: %w", err)
	} else {
		logger.Info("本地数据已清空")
	}

	o.mu.Lock()
	o.resetDone = nil
	o.setStatusLocked(Status{State: model.SyncIdle})
	o.mu.Unlock()
	close(done)

	return o.PerformStartupSync(ctx), err
}

// CompleteSetup 资料创建成功后把 NeedsSetup 切换为 SyncComplete。
// 有同步或重置正在进行时先等待其落定，避免随后的 NeedsSetup 覆盖已完成的设置。
func (o *Orchestrator) CompleteSetup(ctx context.Context) (Status, error) {
	for {
		if o.profiles.Current() == nil {
			return o.Status(), model.ErrNoProfile
		}

		o.mu.Lock()
		var wait <-chan struct{}
		switch {
		case o.resetDone != nil:
			wait = o.resetDone
		case o.running != nil:
			wait = o.running.done
		}
		if wait != nil {
			o.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return o.Status(), ctx.Err()
			}
		}

		if o.status.State == model.SyncNeedsSetup {
			o.setStatusLocked(Status{State: model.SyncComplete})
			logger.Info("首次设置完成")
		}
		st := o.status
		o.mu.Unlock()
		return st, nil
	}
}
