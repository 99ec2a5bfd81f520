package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaquest/visitguard/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(store Store) (*Service, *time.Time) {
	now := time.Unix(1_700_000_000, 0).UTC()
	svc := NewService(store, time.Minute, slog.Default())
	svc.now = func() time.Time { return now }
	return svc, &now
}

var (
	idPattern    = regexp.MustCompile(`^chl_[0-9a-f]{32}$`)
	noncePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

func TestIssue(t *testing.T) {
	svc, now := newTestService(NewMemoryStore())

	ch, err := svc.Issue(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Regexp(t, idPattern, ch.ID)
	assert.Regexp(t, noncePattern, ch.Nonce)
	assert.Equal(t, *now, ch.IssuedAt)
	assert.Equal(t, now.Add(time.Minute), ch.ExpiresAt)

	other, _ := svc.Issue(context.Background(), "user-1")
	assert.NotEqual(t, ch.ID, other.ID)
	assert.NotEqual(t, ch.Nonce, other.Nonce)
}

func TestConsume_SingleUse(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()
	ch, _ := svc.Issue(ctx, "user-1")

	got, err := svc.Consume(ctx, "user-1", ch.ID, ch.Nonce)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, got.ID)

	_, err = svc.Consume(ctx, "user-1", ch.ID, ch.Nonce)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, CodeAlreadyUsed, Code(err))
}

func TestConsume_NonceIsCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()
	ch, _ := svc.Issue(ctx, "user-1")

	_, err := svc.Consume(ctx, "user-1", ch.ID, strings.ToUpper(ch.Nonce))
	assert.NoError(t, err)
}

func TestConsume_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		consume func(svc *Service, now *time.Time, ch *Challenge) error
		want    error
		code    string
	}{
		{
			name: "unknown id",
			consume: func(svc *Service, _ *time.Time, _ *Challenge) error {
				_, err := svc.Consume(context.Background(), "user-1", "chl_missing", "00")
				return err
			},
			want: ErrNotFound, code: CodeNotFound,
		},
		{
			name: "expired",
			consume: func(svc *Service, now *time.Time, ch *Challenge) error {
				*now = now.Add(61 * time.Second)
				_, err := svc.Consume(context.Background(), "user-1", ch.ID, ch.Nonce)
				return err
			},
			want: ErrExpired, code: CodeExpired,
		},
		{
			name: "exactly at expiry",
			consume: func(svc *Service, now *time.Time, ch *Challenge) error {
				*now = ch.ExpiresAt
				_, err := svc.Consume(context.Background(), "user-1", ch.ID, ch.Nonce)
				return err
			},
			want: ErrExpired, code: CodeExpired,
		},
		{
			name: "other user",
			consume: func(svc *Service, _ *time.Time, ch *Challenge) error {
				_, err := svc.Consume(context.Background(), "user-2", ch.ID, ch.Nonce)
				return err
			},
			want: ErrUserMismatch, code: CodeUserMismatch,
		},
		{
			name: "wrong nonce",
			consume: func(svc *Service, _ *time.Time, ch *Challenge) error {
				_, err := svc.Consume(context.Background(), "user-1", ch.ID, strings.Repeat("0", 64))
				return err
			},
			want: ErrNonceMismatch, code: CodeNonceMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, now := newTestService(NewMemoryStore())
			ch, err := svc.Issue(context.Background(), "user-1")
			require.NoError(t, err)

			err = tt.consume(svc, now, ch)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, Code(err))
			assert.True(t, IsRejection(err))
		})
	}
}

func TestConsume_FailedAttemptBurnsChallenge(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()
	ch, _ := svc.Issue(ctx, "user-1")

	_, err := svc.Consume(ctx, "user-1", ch.ID, "deadbeef")
	require.ErrorIs(t, err, ErrNonceMismatch)

	_, err = svc.Consume(ctx, "user-1", ch.ID, ch.Nonce)
	assert.ErrorIs(t, err, ErrAlreadyUsed, "a guessed nonce must not leave the challenge usable")
}

func TestConsume_ConcurrentExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()
	ch, _ := svc.Issue(ctx, "user-1")

	const n = 50
	var wins, used atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Consume(ctx, "user-1", ch.ID, ch.Nonce)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), used.Load())
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Take(context.Context, string) (*Challenge, error) {
	return nil, errors.New("i/o timeout")
}

func TestConsume_StoreFailureIsNotARejection(t *testing.T) {
	svc, _ := newTestService(brokenStore{NewMemoryStore()})

	_, err := svc.Consume(context.Background(), "user-1", "chl_x", "00")
	require.Error(t, err)
	assert.False(t, IsRejection(err))
	assert.Empty(t, Code(err))
}

func TestTimer_SweepKeepsRecentlyExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Create(ctx, &Challenge{ID: "old", ExpiresAt: now.Add(-Retention - time.Minute)})
	_ = store.Create(ctx, &Challenge{ID: "recent", ExpiresAt: now.Add(-time.Minute)})
	_ = store.Create(ctx, &Challenge{ID: "live", ExpiresAt: now.Add(time.Minute)})

	NewTimer(store, slog.Default()).sweep(ctx, now)

	_, err := store.Take(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Take(ctx, "recent")
	assert.NoError(t, err)
	_, err = store.Take(ctx, "live")
	assert.NoError(t, err)
}

func TestTimer_StartStop(t *testing.T) {
	timer := NewTimer(NewMemoryStore(), slog.Default())
	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	timer.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestHandler_IssueChallenge(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(auth.ContextKeyUserID, "user-1") })
	NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/challenges", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Regexp(t, idPattern, resp["challengeId"])
	assert.Regexp(t, noncePattern, resp["nonce"])
	assert.NotContains(t, resp, "userId")
	assert.Contains(t, resp, "expiresAt")
}

type failingCreateStore struct{ *MemoryStore }

func (failingCreateStore) Create(context.Context, *Challenge) error { return errors.New("down") }

func TestHandler_IssueChallengeStoreDown(t *testing.T) {
	svc, _ := newTestService(failingCreateStore{NewMemoryStore()})
	r := gin.New()
	NewHandler(svc).RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/challenges", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s := NewRedisStore(nil, "visitguard:")
	assert.Equal(t, "visitguard:challenge:chl_1", s.key("chl_1"))
	assert.Equal(t, "visitguard:challenge:used:chl_1", s.usedKey("chl_1"))
}
