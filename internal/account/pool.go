package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/codexmux/internal/auth/codex"
	"github.com/router-for-me/codexmux/internal/store"
)

const (
	// refreshBuffer is how close to expiry an access token may get before
	// EnsureAccessToken refreshes it.
	refreshBuffer = 90 * time.Second
	// defaultAuthCooldown is the auth-failure penalty when none is
	// configured. Short on purpose: auth failures usually clear after the
	// next refresh, unlike quota windows.
	defaultAuthCooldown = time.Minute
	// quotaError is the last_error marker for quota cooldowns.
	quotaError = "usage_limit_reached"
	// maxStickySessions caps the sticky table. Session keys can be as
	// unique as one per request when clients send request IDs, so the
	// table must not grow without bound.
	maxStickySessions = 10000
)

// RefreshFunc exchanges a refresh token for a new token set.
type RefreshFunc func(ctx context.Context, refreshToken string) (codex.TokenSet, error)

// Options configures a Pool.
type Options struct {
	// CooldownSeconds is the quota penalty applied when the upstream gives
	// no reset time.
	CooldownSeconds int
	// AuthCooldownSeconds is the penalty after an upstream auth failure.
	// Zero selects the one-minute default.
	AuthCooldownSeconds int
	// Refresh performs the OAuth refresh for EnsureAccessToken.
	Refresh RefreshFunc
	// Now overrides the clock. Tests use it; production leaves it nil.
	Now func() time.Time
}

// Pool owns every account state and the sticky session table. All methods
// are safe for concurrent use; selection and state transitions take one
// mutex, token refreshes are coalesced per account outside it.
type Pool struct {
	store        store.Store
	refresh      RefreshFunc
	now          func() time.Time
	cooldown     time.Duration
	authCooldown time.Duration

	mu       sync.Mutex
	accounts []*state
	byName   map[string]*state
	sticky   *lru.Cache[string, string]

	flights singleflight.Group
}

// state is the mutable record for one account, guarded by Pool.mu.
type state struct {
	name      string
	dir       string
	isDefault bool
	email     string

	tokens        TokenPair
	cooldownUntil time.Time
	failures      int
	lastError     string
}

// NewPool builds an empty pool over the given store. Call Load before
// serving.
func NewPool(st store.Store, opts Options) *Pool {
	cooldown := time.Duration(opts.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	authCooldown := time.Duration(opts.AuthCooldownSeconds) * time.Second
	if authCooldown <= 0 {
		authCooldown = defaultAuthCooldown
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sticky, _ := lru.New[string, string](maxStickySessions)
	return &Pool{
		store:        st,
		refresh:      opts.Refresh,
		now:          now,
		cooldown:     cooldown,
		authCooldown: authCooldown,
		byName:       make(map[string]*state),
		sticky:       sticky,
	}
}

// Load rebuilds the account list from the store. Accounts whose token file
// is missing, unreadable, or lacks an access or refresh token are dropped
// with a warning. On reload, cooldowns and failure counters of accounts that
// survive carry over; tokens always come from disk.
func (p *Pool) Load(ctx context.Context) error {
	refs, err := p.store.LoadOrderedAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	ordered := make([]*state, 0, len(refs))
	for _, ref := range refs {
		file, errLoad := p.store.LoadTokens(ctx, ref.Dir)
		if errLoad != nil {
			log.Warnf("dropping account %s: %v", ref.Name, errLoad)
			continue
		}
		if file == nil {
			log.Warnf("dropping account %s: no token file", ref.Name)
			continue
		}
		pair := NewTokenPair(file.Tokens)
		if !pair.Complete() {
			log.Warnf("dropping account %s: token file missing access or refresh token", ref.Name)
			continue
		}
		ordered = append(ordered, &state{
			name:      ref.Name,
			dir:       ref.Dir,
			isDefault: ref.Default,
			email:     file.Email,
			tokens:    pair,
		})
	}
	// Default account first, remaining registry order untouched.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].isDefault && !ordered[j].isDefault
	})

	p.mu.Lock()
	for _, st := range ordered {
		if prev, ok := p.byName[st.name]; ok {
			st.cooldownUntil = prev.cooldownUntil
			st.failures = prev.failures
			st.lastError = prev.lastError
		}
	}
	p.accounts = ordered
	p.byName = make(map[string]*state, len(ordered))
	for _, st := range ordered {
		p.byName[st.name] = st
	}
	for _, key := range p.sticky.Keys() {
		if name, ok := p.sticky.Peek(key); ok {
			if _, present := p.byName[name]; !present {
				p.sticky.Remove(key)
			}
		}
	}
	p.mu.Unlock()

	log.Infof("account pool loaded, %d account(s)", len(ordered))
	return nil
}

// Size returns the number of accounts currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Snapshot returns a copy of every account state in selection order.
func (p *Pool) Snapshot() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, 0, len(p.accounts))
	for _, st := range p.accounts {
		out = append(out, st.snapshot())
	}
	return out
}

func (st *state) snapshot() Account {
	return Account{
		Name:          st.name,
		Dir:           st.dir,
		Default:       st.isDefault,
		Tokens:        st.tokens,
		CooldownUntil: st.cooldownUntil,
		Failures:      st.failures,
		LastError:     st.lastError,
	}
}

// Pick returns the first eligible account: not excluded, not cooling down,
// in selection order. The second return is false when nothing qualifies.
func (p *Pool) Pick(excluded map[string]bool) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickLocked(excluded)
}

func (p *Pool) pickLocked(excluded map[string]bool) (Account, bool) {
	now := p.now()
	for _, st := range p.accounts {
		if excluded[st.name] {
			continue
		}
		if now.Before(st.cooldownUntil) {
			continue
		}
		return st.snapshot(), true
	}
	return Account{}, false
}

// Sticky returns the account assigned to sessionKey if it is still present,
// not excluded, and not cooling down.
func (p *Pool) Sticky(sessionKey string, excluded map[string]bool) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stickyLocked(sessionKey, excluded)
}

func (p *Pool) stickyLocked(sessionKey string, excluded map[string]bool) (Account, bool) {
	name, ok := p.sticky.Get(sessionKey)
	if !ok {
		return Account{}, false
	}
	st, present := p.byName[name]
	if !present || excluded[name] || p.now().Before(st.cooldownUntil) {
		return Account{}, false
	}
	return st.snapshot(), true
}

// Select resolves the account for one attempt: the sticky assignment when it
// is still usable, otherwise the first eligible account, which then becomes
// the sticky assignment for the key.
func (p *Pool) Select(sessionKey string, excluded map[string]bool) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.stickyLocked(sessionKey, excluded); ok {
		return acct, true
	}
	acct, ok := p.pickLocked(excluded)
	if !ok {
		return Account{}, false
	}
	p.sticky.Add(sessionKey, acct.Name)
	return acct, true
}

// Assign binds sessionKey to the named account.
func (p *Pool) Assign(sessionKey, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byName[name]; ok {
		p.sticky.Add(sessionKey, name)
	}
}

// ClearAssignment removes the sticky entry for sessionKey.
func (p *Pool) ClearAssignment(sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sticky.Remove(sessionKey)
}

// MarkAttempt records an attempt timestamp. Store-only; never fails the
// request.
func (p *Pool) MarkAttempt(name string) {
	now := p.now()
	p.recordStatus(name, store.StatusPatch{LastAttemptAt: &now})
}

// MarkSuccess resets the failure counter and clears the cooldown and error.
func (p *Pool) MarkSuccess(name string) {
	p.mu.Lock()
	if st, ok := p.byName[name]; ok {
		st.failures = 0
		st.lastError = ""
		st.cooldownUntil = time.Time{}
	}
	p.mu.Unlock()

	now := p.now()
	zeroTime := time.Time{}
	zero := 0
	empty := ""
	p.recordStatus(name, store.StatusPatch{
		LastSuccessAt: &now,
		CooldownUntil: &zeroTime,
		Failures:      &zero,
		LastError:     &empty,
	})
}

// MarkQuota puts the account in its quota penalty window. A reset time from
// the upstream wins when it lies in the future, otherwise the configured
// cooldown applies. The window never moves backwards.
func (p *Pool) MarkQuota(name string, resetsAt time.Time) {
	now := p.now()
	candidate := now.Add(p.cooldown)
	if !resetsAt.IsZero() && resetsAt.After(now) {
		candidate = resetsAt
	}

	p.mu.Lock()
	st, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.failures++
	st.lastError = quotaError
	if candidate.After(st.cooldownUntil) {
		st.cooldownUntil = candidate
	}
	failures := st.failures
	until := st.cooldownUntil
	p.mu.Unlock()

	errStr := quotaError
	p.recordStatus(name, store.StatusPatch{
		LastQuotaAt:   &now,
		CooldownUntil: &until,
		Failures:      &failures,
		LastError:     &errStr,
	})
}

// MarkAuthFailure applies the auth-failure penalty. The window never moves
// backwards.
func (p *Pool) MarkAuthFailure(name, reason string) {
	now := p.now()
	candidate := now.Add(p.authCooldown)

	p.mu.Lock()
	st, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.failures++
	st.lastError = reason
	if candidate.After(st.cooldownUntil) {
		st.cooldownUntil = candidate
	}
	failures := st.failures
	until := st.cooldownUntil
	p.mu.Unlock()

	p.recordStatus(name, store.StatusPatch{
		CooldownUntil: &until,
		Failures:      &failures,
		LastError:     &reason,
	})
}

// UpdateTokens swaps the in-memory tokens and writes them through to the
// store. A fresh token re-enables the account: failures and cooldown reset.
// The in-memory swap holds even when persistence fails; the caller decides
// whether a persist error is worth more than the returned warning.
func (p *Pool) UpdateTokens(ctx context.Context, name string, set codex.TokenSet) error {
	pair := NewTokenPair(set)
	if !pair.Complete() {
		return fmt.Errorf("update tokens for %s: token set incomplete", name)
	}

	p.mu.Lock()
	st, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("update tokens: account %s not in pool", name)
	}
	st.tokens = pair
	st.failures = 0
	st.lastError = ""
	st.cooldownUntil = time.Time{}
	dir := st.dir
	email := st.email
	p.mu.Unlock()

	file := &codex.TokenFile{Tokens: pair.TokenSet(), Email: email}
	file.Touch()
	return p.store.SaveTokens(ctx, dir, file)
}

// EnsureAccessToken returns a token pair whose access token is fresh,
// refreshing it first when it is within the expiry buffer. Concurrent
// callers for the same account share a single refresh; the winner's result
// is handed to every waiter.
func (p *Pool) EnsureAccessToken(ctx context.Context, name string) (TokenPair, error) {
	return p.freshTokens(ctx, name, refreshBuffer)
}

// RefreshExpiring refreshes every account whose access token expires within
// lead. Accounts in cooldown are left alone; their next request-path refresh
// happens once the penalty clears. Refreshes run sequentially and share the
// flight group with the request path, so a busy gateway never refreshes the
// same account twice.
func (p *Pool) RefreshExpiring(ctx context.Context, lead time.Duration) {
	for _, acct := range p.Snapshot() {
		if acct.Tokens.Details.ExpiresAt.IsZero() {
			continue
		}
		if codex.IsFresh(acct.Tokens.Details.ExpiresAt, lead, p.now()) {
			continue
		}
		if acct.CoolingDown(p.now()) {
			continue
		}
		if _, err := p.freshTokens(ctx, acct.Name, lead); err != nil {
			log.WithError(err).Warnf("background refresh for %s failed", acct.Name)
		}
	}
}

func (p *Pool) freshTokens(ctx context.Context, name string, buffer time.Duration) (TokenPair, error) {
	pair, err := p.currentTokens(name)
	if err != nil {
		return TokenPair{}, err
	}
	if codex.IsFresh(pair.Details.ExpiresAt, buffer, p.now()) {
		return pair, nil
	}
	v, err, _ := p.flights.Do(name, func() (any, error) {
		// Re-check after winning the flight; a previous flight may have
		// refreshed the tokens already.
		current, errCur := p.currentTokens(name)
		if errCur != nil {
			return nil, errCur
		}
		if codex.IsFresh(current.Details.ExpiresAt, buffer, p.now()) {
			return current, nil
		}
		if p.refresh == nil {
			return nil, fmt.Errorf("refresh %s: no refresher configured", name)
		}
		set, errRefresh := p.refresh(ctx, current.RefreshToken)
		if errRefresh != nil {
			return nil, errRefresh
		}
		fresh := NewTokenPair(set)
		if errSave := p.UpdateTokens(ctx, name, set); errSave != nil {
			log.WithError(errSave).Warnf("token persist for %s failed, serving from memory", name)
		}
		return fresh, nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}

func (p *Pool) currentTokens(name string) (TokenPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.byName[name]
	if !ok {
		return TokenPair{}, fmt.Errorf("account %s not in pool", name)
	}
	return st.tokens, nil
}

// recordStatus writes a status patch in the background. Failures are logged
// and swallowed; status is advisory and must never slow or fail a request.
func (p *Pool) recordStatus(name string, patch store.StatusPatch) {
	go func() {
		if err := p.store.RecordStatus(context.Background(), name, patch); err != nil {
			log.WithError(err).Warnf("status write for %s failed", name)
		}
	}()
}
