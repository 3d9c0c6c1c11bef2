package register

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-pool/internal/models"
	"claude-pool/internal/pool"
	"claude-pool/internal/upstream"
)

type fakeSigner struct {
	mu     sync.Mutex
	errs   map[string]error
	failAt map[int]error // 按调用序号返回错误
	calls  int
	emails []string
}

func (f *fakeSigner) Signup(ctx context.Context, email, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.emails = append(f.emails, email)
	if err, ok := f.errs[email]; ok {
		return err
	}
	if err, ok := f.failAt[f.calls]; ok {
		return err
	}
	return nil
}

type nopUpstream struct{}

func (nopUpstream) Login(ctx context.Context, email, password string) (string, error) {
	return "tok", nil
}
func (nopUpstream) Probe(ctx context.Context, email, token string) error { return nil }
func (nopUpstream) ChatStream(ctx context.Context, email, token string, req *models.ChatRequest) (<-chan models.ChatEvent, <-chan error, error) {
	return nil, nil, fmt.Errorf("not implemented")
}

func TestGenerateEmail(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9]{10}\d{10}@example\.org$`)
	for i := 0; i < 20; i++ {
		email := GenerateEmail("example.org")
		assert.Regexp(t, re, email)
	}
	assert.True(t, strings.HasSuffix(GenerateEmail(""), "@gmail.com"))
}

func TestGeneratePassword(t *testing.T) {
	for i := 0; i < 50; i++ {
		pw := GeneratePassword(16)
		require.Len(t, pw, 16)
		assert.True(t, strings.ContainsAny(pw, upperChars), pw)
		assert.True(t, strings.ContainsAny(pw, lowerChars), pw)
		assert.True(t, strings.ContainsAny(pw, digitChars), pw)
		assert.True(t, strings.ContainsAny(pw, symbolChars), pw)
	}
	assert.Len(t, GeneratePassword(2), 4)
}

func TestRegisterMessages(t *testing.T) {
	signer := &fakeSigner{errs: map[string]error{
		"dup@example.org":  fmt.Errorf("%w: dup@example.org", upstream.ErrConflict),
		"bad@example.org":  &upstream.StatusError{Op: "signup", StatusCode: http.StatusBadRequest, Body: "invalid email"},
		"err@example.org":  &upstream.StatusError{Op: "signup", StatusCode: http.StatusInternalServerError, Body: "oops"},
		"slow@example.org": context.DeadlineExceeded,
	}}
	r := New(signer, nil, Options{Domain: "example.org"})
	ctx := context.Background()

	ok := r.Register(ctx, "ok@example.org", "Passw0rd!")
	assert.True(t, ok.Success)
	assert.Equal(t, "注册成功", ok.Message)
	assert.Equal(t, 200, ok.StatusCode)

	assert.Equal(t, "邮箱已存在", r.Register(ctx, "dup@example.org", "x").Message)
	assert.Equal(t, "请求错误: invalid email", r.Register(ctx, "bad@example.org", "x").Message)
	assert.Equal(t, "请求超时", r.Register(ctx, "slow@example.org", "x").Message)

	failed := r.Register(ctx, "err@example.org", "x")
	assert.False(t, failed.Success)
	assert.Equal(t, 500, failed.StatusCode)
	assert.Equal(t, "注册失败 [500]: oops", failed.Message)

	generated := r.Register(ctx, "", "")
	assert.True(t, strings.HasSuffix(generated.Email, "@example.org"))
	assert.Len(t, generated.Password, 16)
}

func TestRegisterBatchAddsToPool(t *testing.T) {
	signer := &fakeSigner{failAt: map[int]error{
		2: &upstream.StatusError{Op: "signup", StatusCode: http.StatusInternalServerError},
	}}
	p := pool.New(nopUpstream{}, nil, pool.Options{})
	r := New(signer, p, Options{Domain: "example.org", Concurrency: 1})

	results := r.RegisterBatch(context.Background(), 4)
	require.Len(t, results, 4)

	success, failed := Summary(results)
	assert.Equal(t, 3, success)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, p.Len())

	for _, res := range results {
		acc, err := p.Account(res.Email)
		if !res.Success {
			assert.ErrorIs(t, err, pool.ErrAccountNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, models.StatusInactive, acc.Status)
		assert.Equal(t, res.Password, acc.Password)
	}
}

func TestRegisterBatchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(&fakeSigner{}, nil, Options{Concurrency: 1})

	results := r.RegisterBatch(ctx, 3)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.NotEmpty(t, res.Email)
		assert.False(t, res.Success)
	}
	assert.Nil(t, r.RegisterBatch(context.Background(), 0))
}

func TestSaveResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	results := []Result{
		{Email: "a@example.org", Password: "x", Success: true, Message: "注册成功"},
		{Email: "b@example.org", Password: "y", Message: "邮箱已存在"},
	}
	require.NoError(t, SaveResults(path, results))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out struct {
		Total    int      `json:"total"`
		Success  int      `json:"success"`
		Failed   int      `json:"failed"`
		Accounts []Result `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Success)
	assert.Equal(t, 1, out.Failed)
	assert.Len(t, out.Accounts, 2)
}
