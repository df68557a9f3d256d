package pool

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"porter/internal/config"
	"porter/internal/logbus"
)

var (
	// ErrNoHealthyEntry 池里暂时没有可用条目，调用方按可恢复错误处理。
	ErrNoHealthyEntry = errors.New("pool: no healthy entry")
	// ErrStickyUnhealthy 任务绑定的条目中途被标记不健康。
	// 为了保住会话/IP 一致性，任务应当失败而不是换条目。
	ErrStickyUnhealthy = errors.New("pool: sticky entry unhealthy")
	ErrNoSticky        = errors.New("pool: no sticky binding")
)

// Lease 发给任务的租约，只携带发请求需要的信息，不暴露可变状态。
type Lease struct {
	EntryID string
	URL     string
	Group   string
}

func (l Lease) Direct() bool { return l.EntryID == "" }

// Masked 把代理 URL 里的凭据遮掉，日志用。
func (l Lease) Masked() string {
	if l.URL == "" {
		return "direct"
	}
	if i := strings.LastIndex(l.URL, "@"); i >= 0 {
		return "***@" + l.URL[i+1:]
	}
	return l.URL
}

type entry struct {
	id         string
	url        string
	group      string
	failures   int
	healthy    bool
	lastUsedMs int64
}

// Pool 代理池：健康跟踪、分组、任务粘性绑定。
// 所有可变状态只在锁内修改，外部只能通过方法操作。
type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	byID      map[string]*entry
	sticky    map[string]*entry // taskID -> entry
	threshold int
	isolation bool
	bus       *logbus.Bus
	rnd       *rand.Rand
}

func New(cfg config.PoolConfig, bus *logbus.Bus) *Pool {
	p := &Pool{
		byID:      make(map[string]*entry),
		sticky:    make(map[string]*entry),
		threshold: cfg.Threshold(),
		isolation: cfg.GroupIsolation,
		bus:       bus,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for group, urls := range cfg.Groups {
		p.AddGroup(group, urls)
	}
	return p
}

// AddGroup 把一组代理加进池子。重复 URL 会拿到不同的条目 ID，允许。
func (p *Pool) AddGroup(group string, urls []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "#") {
			continue
		}
		e := &entry{
			id:      group + "#" + strconv.Itoa(len(p.entries)),
			url:     u,
			group:   group,
			healthy: true,
		}
		p.entries = append(p.entries, e)
		p.byID[e.id] = e
		n++
	}
	return n
}

func (p *Pool) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) == 0
}

// Acquire 均匀随机返回一个健康条目。开启分组隔离时只在指定分组内选。
// 没有健康条目返回 ErrNoHealthyEntry，调用方退避后重试，不是致命错误。
func (p *Pool) Acquire(group string) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.entries[:0:0]
	for _, e := range p.entries {
		if !e.healthy {
			continue
		}
		if p.isolation && group != "" && e.group != group {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Lease{}, ErrNoHealthyEntry
	}
	e := candidates[p.rnd.Intn(len(candidates))]
	e.lastUsedMs = time.Now().UnixMilli()
	return Lease{EntryID: e.id, URL: e.url, Group: e.group}, nil
}

// Bind 把条目粘到任务上：锁定成功后结算必须复用同一条目。
func (p *Pool) Bind(taskID string, l Lease) {
	if l.Direct() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[l.EntryID]; ok {
		p.sticky[taskID] = e
	}
}

// Sticky 取回任务绑定的条目。条目已不健康时返回 ErrStickyUnhealthy，
// 任务据此失败——换条目等于换身份，会话会作废。
func (p *Pool) Sticky(taskID string) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sticky[taskID]
	if !ok {
		return Lease{}, ErrNoSticky
	}
	if !e.healthy {
		return Lease{}, ErrStickyUnhealthy
	}
	e.lastUsedMs = time.Now().UnixMilli()
	return Lease{EntryID: e.id, URL: e.url, Group: e.group}, nil
}

func (p *Pool) ReleaseSticky(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sticky, taskID)
}

func (p *Pool) ReportSuccess(l Lease) {
	if l.Direct() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[l.EntryID]; ok {
		e.failures = 0
	}
}

func (p *Pool) ReportFailure(l Lease) {
	if l.Direct() {
		return
	}
	p.mu.Lock()
	var demoted *entry
	if e, ok := p.byID[l.EntryID]; ok {
		e.failures++
		if e.healthy && e.failures >= p.threshold {
			e.healthy = false
			demoted = e
		}
	}
	p.mu.Unlock()

	if demoted != nil && p.bus != nil {
		p.bus.Log("warn", "代理连续失败，已下线", map[string]any{
			"entry": l.Masked(),
			"group": demoted.group,
		})
	}
}

// Reset 人工恢复：全部条目重新上线，失败计数清零。引擎自己不会调它。
func (p *Pool) Reset() {
	p.mu.Lock()
	for _, e := range p.entries {
		e.failures = 0
		e.healthy = true
	}
	p.mu.Unlock()
	if p.bus != nil {
		p.bus.Log("info", "代理池已重置", nil)
	}
}

type GroupStats struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
	Sticky  int `json:"sticky"`
}

func (p *Pool) Stats() map[string]GroupStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]GroupStats)
	for _, e := range p.entries {
		st := out[e.group]
		st.Total++
		if e.healthy {
			st.Healthy++
		}
		out[e.group] = st
	}
	for _, e := range p.sticky {
		st := out[e.group]
		st.Sticky++
		out[e.group] = st
	}
	return out
}
