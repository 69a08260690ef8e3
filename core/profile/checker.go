package profile

import (
	"context"
	"sync"
	"time"

	"Prerelease/logger"
	"Prerelease/model"
)

// DefaultDebounce 输入停止多久之后才发起远端检查
const DefaultDebounce = 800 * time.Millisecond

// AvailabilityChecker is the slice of Manager the debounced checker needs.
type AvailabilityChecker interface {
	CheckUsernameAvailability(ctx context.Context, candidate string) (model.ValidationResult, error)
}

// CheckResult 一次用户名检查的结果
type CheckResult struct {
	Candidate  string `json:"candidate"`
	Generation uint64 `json:"generation"`
	model.ValidationResult
	Err error `json:"-"`
}

// UsernameChecker 对用户名输入做防抖，只把最新输入的结果交给 onResult。
// onResult 不能在回调里再调用 Submit。
type UsernameChecker struct {
	checker  AvailabilityChecker
	quiet    time.Duration
	onResult func(CheckResult)

	deliverMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	input       string
	timer       *time.Timer
	cancel      context.CancelFunc
	last        *CheckResult
	lastChecked string
	closed      bool
}

// NewUsernameChecker 创建防抖检查器，quiet <= 0 时使用 DefaultDebounce
func NewUsernameChecker(checker AvailabilityChecker, quiet time.Duration, onResult func(CheckResult)) *UsernameChecker {
	if quiet <= 0 {
		quiet = DefaultDebounce
	}
	return &UsernameChecker{
		checker:  checker,
		quiet:    quiet,
		onResult: onResult,
	}
}

// Submit 记录新的输入，取消排队中和进行中的检查。
// 本地校验不通过时立即回报，不会发起网络请求。
func (c *UsernameChecker) Submit(candidate string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.input = candidate
	c.stopLocked()

	if r := ValidateUsername(candidate); !r.IsValid {
		res := CheckResult{
			Candidate:        candidate,
			Generation:       gen,
			ValidationResult: r,
			Err:              validationErr("username", r),
		}
		c.last = &res
		c.mu.Unlock()
		c.deliver(gen, res)
		return
	}

	c.timer = time.AfterFunc(c.quiet, func() { c.fire(gen, candidate) })
	c.mu.Unlock()
}

func (c *UsernameChecker) fire(gen uint64, candidate string) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.lastChecked = candidate
	c.mu.Unlock()

	r, err := c.checker.CheckUsernameAvailability(ctx, candidate)
	cancel()

	c.mu.Lock()
	if c.closed || gen != c.gen || candidate != c.input {
		c.mu.Unlock()
		logger.Debug("丢弃过期的用户名检查结果", logger.String("candidate", candidate))
		return
	}
	c.cancel = nil
	res := CheckResult{
		Candidate:        candidate,
		Generation:       gen,
		ValidationResult: r,
		Err:              err,
	}
	c.last = &res
	c.mu.Unlock()

	c.deliver(gen, res)
}

// deliver re-checks the generation under deliverMu so an older result can
// never reach onResult after a newer one.
func (c *UsernameChecker) deliver(gen uint64, res CheckResult) {
	if c.onResult == nil {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	stale := c.closed || gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.onResult(res)
}

func (c *UsernameChecker) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Cancel 放弃所有排队中和进行中的检查
func (c *UsernameChecker) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.input = ""
	c.stopLocked()
}

// Close 取消检查并停止接收输入
func (c *UsernameChecker) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.closed = true
	c.stopLocked()
}

// LastResult 最近一次被采用的结果
func (c *UsernameChecker) LastResult() (CheckResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return CheckResult{}, false
	}
	return *c.last, true
}

// LastChecked 最近一次真正发往远端的候选用户名
func (c *UsernameChecker) LastChecked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChecked
}
