package keyset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Lifetime 决定 Provider 如何分配 KeySet。
type Lifetime string

const (
	// LifetimeSingleton 所有调用方共享同一个 KeySet。
	LifetimeSingleton Lifetime = "singleton"
	// LifetimeScoped 每个作用域拥有独立的 KeySet，释放作用域时关闭。
	LifetimeScoped Lifetime = "scoped"
)

// ParseLifetime 将配置中的字符串解析为 Lifetime。空字符串视为 singleton。
func ParseLifetime(s string) (Lifetime, error) {
	switch Lifetime(s) {
	case "", LifetimeSingleton:
		return LifetimeSingleton, nil
	case LifetimeScoped:
		return LifetimeScoped, nil
	default:
		return "", fmt.Errorf("unsupported key set lifetime: %q", s)
	}
}

// Provider 按 Lifetime 创建并持有 KeySet，由调用方显式构造和关闭。
// 同一个 Provider 下的所有 KeySet 共享一个指标实例。
type Provider struct {
	lifetime Lifetime
	opts     []Option
	metrics  *Metrics

	mu        sync.Mutex
	singleton *KeySet
	scopes    map[string]*KeySet
	closed    bool
}

// NewProvider 创建一个 Provider。
func NewProvider(lifetime Lifetime, opts ...Option) *Provider {
	metrics := NewMetrics()
	return &Provider{
		lifetime: lifetime,
		opts:     append(append([]Option(nil), opts...), WithMetrics(metrics)),
		metrics:  metrics,
		scopes:   make(map[string]*KeySet),
	}
}

// Lifetime 返回 Provider 的分配策略。
func (p *Provider) Lifetime() Lifetime {
	return p.lifetime
}

// Get 返回作用域对应的 KeySet。singleton 模式下忽略 scope。
func (p *Provider) Get(scope string) (*KeySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if p.lifetime == LifetimeSingleton {
		if p.singleton == nil {
			p.singleton = New(p.opts...)
		}
		return p.singleton, nil
	}

	ks, found := p.scopes[scope]
	if !found {
		ks = p.newScoped(scope)
		p.scopes[scope] = ks
		slog.Debug("已创建作用域键集合", "scope", scope)
	}
	return ks, nil
}

// Lookup 返回已存在的 KeySet，不会创建新的作用域。Provider 关闭后返回 false。
func (p *Provider) Lookup(scope string) (*KeySet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}
	if p.lifetime == LifetimeSingleton {
		return p.singleton, p.singleton != nil
	}
	ks, found := p.scopes[scope]
	return ks, found
}

// Do 取得作用域对应的 KeySet 并调用 fn。
// 若该 KeySet 在调用前被 Release 或回收而返回 ErrClosed，且 Provider 本身未关闭，
// 则换用新的 KeySet 重试一次。fn 必须在返回 ErrClosed 时没有副作用。
func (p *Provider) Do(scope string, fn func(KeyValidator) error) error {
	v, err := p.Validator(scope)
	if err != nil {
		return err
	}
	err = fn(v)
	if !errors.Is(err, ErrClosed) || p.Closed() {
		return err
	}

	slog.Debug("作用域键集合已被释放，重试", "scope", scope)
	v, err = p.Validator(scope)
	if err != nil {
		return err
	}
	return fn(v)
}

// newScoped 创建一个作用域 KeySet，键全部删除或过期后自动回收。调用方必须持有 p.mu。
func (p *Provider) newScoped(scope string) *KeySet {
	var ks *KeySet
	opts := append(append([]Option(nil), p.opts...), withOnEmpty(func() {
		p.reap(scope, ks)
	}))
	ks = New(opts...)
	return ks
}

// reap 在作用域集合变空时将其关闭并移出 Provider。
// 若期间有新键插入，closeIfEmpty 失败，集合保留。
func (p *Provider) reap(scope string, ks *KeySet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.scopes[scope] != ks {
		return
	}
	if ks.closeIfEmpty() {
		delete(p.scopes, scope)
		slog.Debug("已回收空的作用域键集合", "scope", scope)
	}
}

// Release 关闭并丢弃一个作用域的 KeySet。singleton 模式下为空操作。
func (p *Provider) Release(scope string) error {
	if p.lifetime == LifetimeSingleton {
		return nil
	}

	p.mu.Lock()
	ks, found := p.scopes[scope]
	delete(p.scopes, scope)
	p.mu.Unlock()

	if !found {
		return nil
	}
	slog.Debug("已释放作用域键集合", "scope", scope)
	return ks.Close()
}

// Stats 汇总所有 KeySet 的指标。
func (p *Provider) Stats() Snapshot {
	p.mu.Lock()
	var live int
	if p.singleton != nil {
		live += p.singleton.Len()
	}
	for _, ks := range p.scopes {
		live += ks.Len()
	}
	p.mu.Unlock()

	snap := p.metrics.GetSnapshot()
	snap.LiveKeys = int64(live)
	return snap
}

// Close 关闭 Provider 持有的全部 KeySet。可重复调用。
func (p *Provider) Close() error {
	sets := p.detach()
	var errs []error
	for _, ks := range sets {
		errs = append(errs, ks.Close())
	}
	return errors.Join(errs...)
}

// CloseContext 与 Close 相同，但会等待每个 KeySet 的过期回调结束。
func (p *Provider) CloseContext(ctx context.Context) error {
	sets := p.detach()
	var errs []error
	for _, ks := range sets {
		errs = append(errs, ks.CloseContext(ctx))
	}
	return errors.Join(errs...)
}

func (p *Provider) detach() []*KeySet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	sets := make([]*KeySet, 0, len(p.scopes)+1)
	if p.singleton != nil {
		sets = append(sets, p.singleton)
	}
	for _, ks := range p.scopes {
		sets = append(sets, ks)
	}
	p.scopes = make(map[string]*KeySet)
	return sets
}

// Validator 以接口形式返回作用域对应的 KeySet。
func (p *Provider) Validator(scope string) (KeyValidator, error) {
	ks, err := p.Get(scope)
	if err != nil {
		return nil, err
	}
	return ks, nil
}

// Closed 报告 Provider 是否已关闭。
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
