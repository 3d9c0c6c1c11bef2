package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-pool/internal/models"
	"claude-pool/internal/store"
	"claude-pool/internal/upstream"
)

// fakeUpstream 按账号预设登录、探活和对话结果
type fakeUpstream struct {
	mu         sync.Mutex
	loginErr   map[string]error
	probeErr   map[string]error
	chatErrs   map[string][]error // 依次弹出，为空时成功
	streamErr  map[string]error   // 事件发完后从 errs 返回
	loginCalls map[string]int
	chatCalls  []string
	tokens     map[string]string // ChatStream 收到的 token
	block      map[string]bool   // ChatStream 一直阻塞到 ctx 结束

	loginGate    chan struct{}
	probeGate    chan struct{}
	probeEntered chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		loginErr:   make(map[string]error),
		probeErr:   make(map[string]error),
		chatErrs:   make(map[string][]error),
		streamErr:  make(map[string]error),
		loginCalls: make(map[string]int),
		tokens:     make(map[string]string),
		block:      make(map[string]bool),
	}
}

func (f *fakeUpstream) Login(ctx context.Context, email, password string) (string, error) {
	if f.loginGate != nil {
		select {
		case <-f.loginGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls[email]++
	if err := f.loginErr[email]; err != nil {
		return "", err
	}
	return fmt.Sprintf("tok-%s-%d", email, f.loginCalls[email]), nil
}

func (f *fakeUpstream) Probe(ctx context.Context, email, token string) error {
	if f.probeGate != nil {
		f.probeEntered <- struct{}{}
		<-f.probeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr[email]
}

func (f *fakeUpstream) ChatStream(ctx context.Context, email, token string, req *models.ChatRequest) (<-chan models.ChatEvent, <-chan error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.chatCalls = append(f.chatCalls, email)
	f.tokens[email] = token
	if f.block[email] {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if q := f.chatErrs[email]; len(q) > 0 {
		f.chatErrs[email] = q[1:]
		f.mu.Unlock()
		return nil, nil, q[0]
	}
	streamErr := f.streamErr[email]
	f.mu.Unlock()

	events := make(chan models.ChatEvent, 8)
	errs := make(chan error, 1)
	events <- models.ChatEvent{Type: models.EventTypeStart, InputTokens: 5}
	events <- models.ChatEvent{Type: models.EventTypeText, Text: "你"}
	events <- models.ChatEvent{Type: models.EventTypeText, Text: "好"}
	if streamErr == nil {
		events <- models.ChatEvent{Type: models.EventTypeConversationID, ID: "conv-1"}
		events <- models.ChatEvent{Type: models.EventTypeDone, OutputTokens: 2, FullResponse: "你好"}
	}
	close(events)
	errs <- streamErr
	close(errs)
	return events, errs, nil
}

func (f *fakeUpstream) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chatCalls...)
}

func statusErr(code int, body string) error {
	return &upstream.StatusError{Op: "chat", StatusCode: code, Body: body}
}

func activeAccount(email string) *models.Account {
	acc := models.NewAccount(email, "pw-"+email)
	acc.Status = models.StatusActive
	acc.Token = "tok-" + email
	return acc
}

func newTestPool(t *testing.T, up Upstream, accounts ...*models.Account) *Pool {
	t.Helper()
	p := New(up, nil, Options{
		MaxConsecutiveErrors: 3,
		ChatTimeout:          5 * time.Second,
		LoginTimeout:         5 * time.Second,
		Concurrency:          4,
	})
	p.Replace(accounts)
	return p
}

func mustAccount(t *testing.T, p *Pool, email string) *models.Account {
	t.Helper()
	acc, err := p.Account(email)
	require.NoError(t, err)
	return acc
}

func TestSelectRoundRobin(t *testing.T) {
	p := newTestPool(t, newFakeUpstream(), activeAccount("a"), activeAccount("b"), activeAccount("c"))

	var got []string
	for i := 0; i < 4; i++ {
		acc, err := p.Select()
		require.NoError(t, err)
		got = append(got, acc.Email)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestSelectSkipsIneligible(t *testing.T) {
	banned := activeAccount("c")
	banned.Status = models.StatusBanned
	noToken := models.NewAccount("d", "pw")
	noToken.Status = models.StatusActive

	p := newTestPool(t, newFakeUpstream(), activeAccount("a"), activeAccount("b"), banned, noToken)

	var got []string
	for i := 0; i < 3; i++ {
		acc, err := p.Select()
		require.NoError(t, err)
		got = append(got, acc.Email)
	}
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestSelectEmpty(t *testing.T) {
	p := newTestPool(t, newFakeUpstream(), models.NewAccount("a", "pw"))
	_, err := p.Select()
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestAddRemoveReset(t *testing.T) {
	p := newTestPool(t, newFakeUpstream())

	_, err := p.AddAccount("a@example.com", "pw")
	require.NoError(t, err)
	_, err = p.AddAccount("a@example.com", "pw")
	assert.ErrorIs(t, err, ErrAccountExists)
	assert.Equal(t, 1, p.Len())

	p.MarkError("a@example.com", models.ErrorKindBan)
	assert.Equal(t, models.StatusBanned, mustAccount(t, p, "a@example.com").Status)

	reset, err := p.ResetAccount("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, reset.Status)
	acc := mustAccount(t, p, "a@example.com")
	assert.Equal(t, models.StatusInactive, acc.Status)
	assert.Empty(t, acc.Token)
	assert.Zero(t, acc.ConsecutiveErrors)

	// 返回的是副本，之后删除账号不影响已拿到的结果
	assert.True(t, p.RemoveAccount("a@example.com"))
	assert.Equal(t, "a@example.com", reset.Email)
	_, err = p.ResetAccount("a@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = p.AddAccount("a@example.com", "pw")
	require.NoError(t, err)

	_, err = p.ResetAccount("missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.True(t, p.RemoveAccount("a@example.com"))
	assert.False(t, p.RemoveAccount("a@example.com"))
	assert.Zero(t, p.Len())
}

func TestChatSuccess(t *testing.T) {
	up := newFakeUpstream()
	p := newTestPool(t, up, activeAccount("a"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "你好", res.Response)
	assert.Equal(t, "a", res.Account)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, 5, res.InputTokens)
	assert.Equal(t, 2, res.OutputTokens)

	acc := mustAccount(t, p, "a")
	assert.Equal(t, int64(1), acc.RequestCount)
	assert.NotEmpty(t, acc.LastUsedAt)
}

func TestChatStreamTagsAccount(t *testing.T) {
	p := newTestPool(t, newFakeUpstream(), activeAccount("a"))

	var types []string
	for ev := range p.ChatStream(context.Background(), &models.ChatRequest{Message: "hi"}) {
		assert.Equal(t, "a", ev.Account)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"start", "text", "text", "conversation_id", "done"}, types)
}

func TestChatReloginOnce(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusUnauthorized, "")}
	p := newTestPool(t, up, activeAccount("a"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, up.loginCalls["a"])
	assert.Equal(t, "tok-a-1", up.tokens["a"])
	assert.Equal(t, []string{"a", "a"}, up.calls())
}

func TestChatSecondUnauthorizedFails(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusUnauthorized, ""), statusErr(http.StatusUnauthorized, "")}
	p := newTestPool(t, up, activeAccount("a"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, 1, up.loginCalls["a"])
	assert.Equal(t, 1, mustAccount(t, p, "a").ConsecutiveErrors)
}

func TestChatReloginFailure(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusUnauthorized, "")}
	up.loginErr["a"] = statusErr(http.StatusBadRequest, "bad credentials")
	p := newTestPool(t, up, activeAccount("a"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "登录失败")
	assert.Equal(t, "a", res.Account)

	acc := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusError, acc.Status)
	assert.Empty(t, acc.Token)
}

func TestChatRateLimitFailover(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusTooManyRequests, "")}
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "b", res.Account)
	assert.Equal(t, []string{"a", "b"}, up.calls())

	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusRateLimited, a.Status)
	assert.Equal(t, int64(1), a.ErrorCount)
}

func TestChatAllRateLimited(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusTooManyRequests, "")}
	up.chatErrs["b"] = []error{statusErr(http.StatusTooManyRequests, "")}
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrAllRateLimited.Error(), res.Message)
	assert.Equal(t, models.StatusRateLimited, mustAccount(t, p, "a").Status)
	assert.Equal(t, models.StatusRateLimited, mustAccount(t, p, "b").Status)
}

func TestChatNoEligibleAccount(t *testing.T) {
	p := newTestPool(t, newFakeUpstream())
	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrNoEligibleAccount.Error(), res.Message)
}

// a、b 可用，c 已封禁：第一次用 a，第二次 b 被限流后转到 a
func TestChatFailoverSkipsBanned(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["b"] = []error{statusErr(http.StatusTooManyRequests, "")}
	banned := activeAccount("c")
	banned.Status = models.StatusBanned
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"), banned)

	first := p.Chat(context.Background(), &models.ChatRequest{Message: "1"})
	require.True(t, first.Success)
	assert.Equal(t, "a", first.Account)

	second := p.Chat(context.Background(), &models.ChatRequest{Message: "2"})
	require.True(t, second.Success)
	assert.Equal(t, "a", second.Account)

	assert.Equal(t, []string{"a", "b", "a"}, up.calls())
	assert.Equal(t, models.StatusRateLimited, mustAccount(t, p, "b").Status)
	assert.Equal(t, models.StatusBanned, mustAccount(t, p, "c").Status)
}

// 没有失败时依次轮转 a、b，跳过已封禁的 c 后回到 a
func TestChatRoundRobinSequential(t *testing.T) {
	up := newFakeUpstream()
	banned := activeAccount("c")
	banned.Status = models.StatusBanned
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"), banned)

	var served []string
	for i := 0; i < 3; i++ {
		res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
		require.True(t, res.Success, res.Message)
		served = append(served, res.Account)
	}

	assert.Equal(t, []string{"a", "b", "a"}, served)
	assert.Equal(t, []string{"a", "b", "a"}, up.calls())
	assert.Zero(t, up.loginCalls["c"])
	assert.Equal(t, int64(2), mustAccount(t, p, "a").RequestCount)
	assert.Equal(t, int64(1), mustAccount(t, p, "b").RequestCount)
	assert.Zero(t, mustAccount(t, p, "c").RequestCount)
}

// 上游超时记一次普通失败，不切换账号
func TestChatTimeout(t *testing.T) {
	up := newFakeUpstream()
	up.block["a"] = true
	p := New(up, nil, Options{
		MaxConsecutiveErrors: 3,
		ChatTimeout:          20 * time.Millisecond,
		LoginTimeout:         time.Second,
		Concurrency:          1,
	})
	p.Replace([]*models.Account{activeAccount("a"), activeAccount("b")})

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, "a", res.Account)
	assert.Equal(t, []string{"a"}, up.calls())

	a := mustAccount(t, p, "a")
	assert.Equal(t, 1, a.ConsecutiveErrors)
	assert.Equal(t, models.StatusActive, a.Status)
	b := mustAccount(t, p, "b")
	assert.Zero(t, b.RequestCount)
	assert.Zero(t, b.ErrorCount)
}

func TestChatConcurrentCounts(t *testing.T) {
	const n = 50
	up := newFakeUpstream()
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"), activeAccount("c"))

	var wg sync.WaitGroup
	results := make([]models.ChatResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.Success, res.Message)
	}
	assert.Len(t, up.calls(), n)
	assert.Equal(t, int64(n), p.Stats().TotalRequests)

	var sum int64
	for _, acc := range p.Accounts() {
		sum += acc.RequestCount
		assert.Zero(t, acc.ConsecutiveErrors)
		assert.Equal(t, models.StatusActive, acc.Status)
	}
	assert.Equal(t, int64(n), sum)
}

func TestChatBanned(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusForbidden, `{"error":"Your account has been suspended"}`)}
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, []string{"a"}, up.calls())
	assert.Equal(t, models.StatusBanned, mustAccount(t, p, "a").Status)
}

func TestChatGenericFailure(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusBadGateway, "")}
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "502")
	assert.Equal(t, []string{"a"}, up.calls())

	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusActive, a.Status)
	assert.Equal(t, 1, a.ConsecutiveErrors)
}

func TestChatStreamInterrupted(t *testing.T) {
	up := newFakeUpstream()
	up.streamErr["a"] = errors.New("connection reset")
	p := newTestPool(t, up, activeAccount("a"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)
	assert.Equal(t, "a", res.Account)

	a := mustAccount(t, p, "a")
	assert.Equal(t, int64(1), a.RequestCount)
	assert.Equal(t, 1, a.ConsecutiveErrors)
}

func TestChatCanceled(t *testing.T) {
	up := newFakeUpstream()
	p := newTestPool(t, up, activeAccount("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Chat(ctx, &models.ChatRequest{Message: "hi"})
	assert.False(t, res.Success)

	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusActive, a.Status)
	assert.Zero(t, a.ConsecutiveErrors)
	assert.Zero(t, a.RequestCount)
}

func TestChatExplicitAccount(t *testing.T) {
	up := newFakeUpstream()
	p := newTestPool(t, up, activeAccount("a"), models.NewAccount("b", "pw"))

	res := p.Chat(context.Background(), &models.ChatRequest{Message: "hi", Account: "b"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "b", res.Account)
	assert.Equal(t, 1, up.loginCalls["b"])
	assert.Equal(t, models.StatusActive, mustAccount(t, p, "b").Status)

	res = p.Chat(context.Background(), &models.ChatRequest{Message: "hi", Account: "missing"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "missing")
}

func TestMarkErrorThreshold(t *testing.T) {
	p := newTestPool(t, newFakeUpstream(), activeAccount("a"))

	p.MarkError("a", models.ErrorKindGeneric)
	p.MarkError("a", models.ErrorKindGeneric)
	assert.Equal(t, models.StatusActive, mustAccount(t, p, "a").Status)

	p.MarkError("a", models.ErrorKindGeneric)
	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusError, a.Status)
	assert.Equal(t, 3, a.ConsecutiveErrors)
	assert.Equal(t, int64(3), a.ErrorCount)

	_, err := p.Select()
	assert.ErrorIs(t, err, ErrNoEligibleAccount)
}

func TestMarkSuccessResets(t *testing.T) {
	p := newTestPool(t, newFakeUpstream(), activeAccount("a"))
	p.MarkError("a", models.ErrorKindGeneric)
	p.MarkError("a", models.ErrorKindGeneric)
	p.MarkSuccess("a")

	a := mustAccount(t, p, "a")
	assert.Zero(t, a.ConsecutiveErrors)
	assert.Equal(t, int64(2), a.ErrorCount)
	assert.Equal(t, int64(1), a.RequestCount)
}

func TestBannedIsAbsorbing(t *testing.T) {
	p := newTestPool(t, newFakeUpstream(), activeAccount("a"))
	p.MarkError("a", models.ErrorKindBan)
	p.MarkSuccess("a")
	p.MarkError("a", models.ErrorKindRateLimit)
	assert.Equal(t, models.StatusBanned, mustAccount(t, p, "a").Status)

	assert.ErrorIs(t, p.Login(context.Background(), "a"), ErrAccountBanned)
}

func TestStats(t *testing.T) {
	banned := activeAccount("c")
	banned.Status = models.StatusBanned
	p := newTestPool(t, newFakeUpstream(), activeAccount("a"), activeAccount("b"), banned, models.NewAccount("d", "pw"))
	p.MarkSuccess("a")
	p.MarkError("b", models.ErrorKindGeneric)

	stats := p.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Eligible)
	assert.Equal(t, 2, stats.ByStatus[models.StatusActive])
	assert.Equal(t, 1, stats.ByStatus[models.StatusBanned])
	assert.Equal(t, 1, stats.ByStatus[models.StatusInactive])
	assert.Equal(t, 0, stats.ByStatus[models.StatusError])
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalErrors)
}

func TestLogin(t *testing.T) {
	up := newFakeUpstream()
	up.loginErr["bad"] = statusErr(http.StatusBadRequest, "")
	failing := activeAccount("bad")
	p := newTestPool(t, up, models.NewAccount("a", "pw"), failing)

	require.NoError(t, p.Login(context.Background(), "a"))
	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusActive, a.Status)
	assert.Equal(t, "tok-a-1", a.Token)

	assert.Error(t, p.Login(context.Background(), "bad"))
	bad := mustAccount(t, p, "bad")
	assert.Equal(t, models.StatusError, bad.Status)
	assert.Empty(t, bad.Token)

	assert.ErrorIs(t, p.Login(context.Background(), "missing"), ErrAccountNotFound)
}

func TestLoginCoalesces(t *testing.T) {
	up := newFakeUpstream()
	up.loginGate = make(chan struct{})
	p := newTestPool(t, up, models.NewAccount("a", "pw"))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.Login(context.Background(), "a")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(up.loginGate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, up.loginCalls["a"])
}

// 第一个调用方取消只结束它自己的等待，登录照常完成，其他调用方拿到结果
func TestLoginSurvivesCallerCancel(t *testing.T) {
	up := newFakeUpstream()
	up.loginGate = make(chan struct{})
	p := newTestPool(t, up, models.NewAccount("a", "pw"))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- p.Login(ctx, "a") }()
	time.Sleep(20 * time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- p.Login(context.Background(), "a") }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(up.loginGate)
	require.NoError(t, <-second)
	assert.Equal(t, 1, up.loginCalls["a"])

	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusActive, a.Status)
	assert.Equal(t, "tok-a-1", a.Token)
	assert.Zero(t, a.ErrorCount)
}

// 对话中 401 触发的重新登录与另一个调用方的登录合并，对方取消不影响本次对话
func TestChatReloginSurvivesOtherCallerCancel(t *testing.T) {
	up := newFakeUpstream()
	up.chatErrs["a"] = []error{statusErr(http.StatusUnauthorized, "")}
	up.loginGate = make(chan struct{})
	p := newTestPool(t, up, activeAccount("a"))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- p.Login(ctx, "a") }()
	time.Sleep(20 * time.Millisecond)

	chat := make(chan models.ChatResult, 1)
	go func() { chat <- p.Chat(context.Background(), &models.ChatRequest{Message: "hi"}) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(up.loginGate)

	res := <-chat
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "a", res.Account)
	assert.Equal(t, 1, up.loginCalls["a"])
	assert.Equal(t, []string{"a", "a"}, up.calls())

	a := mustAccount(t, p, "a")
	assert.Equal(t, models.StatusActive, a.Status)
	assert.Zero(t, a.ConsecutiveErrors)
	assert.Zero(t, a.ErrorCount)
}

func TestProbe(t *testing.T) {
	up := newFakeUpstream()
	up.probeErr["expired"] = statusErr(http.StatusUnauthorized, "")
	up.probeErr["banned"] = statusErr(http.StatusForbidden, "account banned")
	up.probeErr["broken"] = statusErr(http.StatusInternalServerError, "")
	up.probeErr["offline"] = errors.New("dial tcp: connection refused")

	limited := activeAccount("ok")
	limited.Status = models.StatusRateLimited
	p := newTestPool(t, up,
		limited,
		activeAccount("expired"),
		activeAccount("banned"),
		activeAccount("broken"),
		activeAccount("offline"),
		models.NewAccount("fresh", "pw"),
	)
	ctx := context.Background()

	assert.True(t, p.Probe(ctx, "ok"))
	assert.Equal(t, models.StatusActive, mustAccount(t, p, "ok").Status)

	assert.True(t, p.Probe(ctx, "expired"))
	assert.Equal(t, "tok-expired-1", mustAccount(t, p, "expired").Token)

	assert.False(t, p.Probe(ctx, "banned"))
	assert.Equal(t, models.StatusBanned, mustAccount(t, p, "banned").Status)

	assert.False(t, p.Probe(ctx, "broken"))
	assert.Equal(t, models.StatusError, mustAccount(t, p, "broken").Status)

	assert.False(t, p.Probe(ctx, "offline"))
	assert.Equal(t, models.StatusActive, mustAccount(t, p, "offline").Status)

	assert.True(t, p.Probe(ctx, "fresh"))
	assert.Equal(t, 1, up.loginCalls["fresh"])
}

func TestLoginAllSkipsBanned(t *testing.T) {
	up := newFakeUpstream()
	up.loginErr["b"] = statusErr(http.StatusBadRequest, "")
	banned := models.NewAccount("c", "pw")
	banned.Status = models.StatusBanned

	st := store.NewFileStore(filepath.Join(t.TempDir(), "pool.json"))
	p := New(up, st, Options{Concurrency: 2})
	p.Replace([]*models.Account{models.NewAccount("a", "pw"), models.NewAccount("b", "pw"), banned})

	ok, total := p.LoginAll(context.Background())
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, total)
	assert.Zero(t, up.loginCalls["c"])

	// 登录后已保存快照
	reloaded := New(up, st, Options{})
	require.Equal(t, 3, reloaded.Load(context.Background()))
	assert.Equal(t, models.StatusActive, mustAccount(t, reloaded, "a").Status)
	assert.Equal(t, models.StatusError, mustAccount(t, reloaded, "b").Status)
}

func TestHealthCheckAll(t *testing.T) {
	up := newFakeUpstream()
	up.probeErr["b"] = statusErr(http.StatusInternalServerError, "")
	p := newTestPool(t, up, activeAccount("a"), activeAccount("b"))

	healthy, total := p.HealthCheckAll(context.Background())
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 2, total)
	assert.Equal(t, models.StatusError, mustAccount(t, p, "b").Status)
}

// 每个槽位探测后等待 HealthCheckDelay
func TestHealthCheckAllPacing(t *testing.T) {
	up := newFakeUpstream()
	p := New(up, nil, Options{
		MaxConsecutiveErrors: 3,
		LoginTimeout:         time.Second,
		Concurrency:          1,
		HealthCheckDelay:     30 * time.Millisecond,
	})
	p.Replace([]*models.Account{activeAccount("a"), activeAccount("b"), activeAccount("c")})

	start := time.Now()
	healthy, total := p.HealthCheckAll(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, 3, healthy)
	assert.Equal(t, 3, total)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestSweeperSingleFlight(t *testing.T) {
	up := newFakeUpstream()
	up.probeGate = make(chan struct{})
	up.probeEntered = make(chan struct{}, 1)
	p := newTestPool(t, up, activeAccount("a"))
	s := NewSweeper(p, time.Hour)

	done := make(chan bool)
	go func() { done <- s.RunOnce(context.Background()) }()

	<-up.probeEntered
	assert.True(t, s.Running())
	assert.False(t, s.RunOnce(context.Background()))

	close(up.probeGate)
	assert.True(t, <-done)
	assert.False(t, s.Running())
	assert.False(t, s.LastRun().IsZero())
}
