package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cryptowatch/internal/database"
	"cryptowatch/internal/models"
	"cryptowatch/internal/notify"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory AlertStore, HoldingStore and SnapshotStore
type memStore struct {
	mu        sync.Mutex
	alerts    map[string]models.PriceAlert
	holdings  map[string]models.Holding
	snapshots []models.PortfolioSnapshot
	listCalls int
}

func newMemStore() *memStore {
	return &memStore{alerts: make(map[string]models.PriceAlert), holdings: make(map[string]models.Holding)}
}

func (m *memStore) CreateAlert(ctx context.Context, a *models.PriceAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = *a
	return nil
}

func (m *memStore) GetAlert(ctx context.Context, id string) (*models.PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &a, nil
}

func (m *memStore) filterAlerts(keep func(models.PriceAlert) bool) []models.PriceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []models.PriceAlert
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) ListAlerts(ctx context.Context) ([]models.PriceAlert, error) {
	return m.filterAlerts(func(models.PriceAlert) bool { return true }), nil
}

func (m *memStore) ListAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error) {
	return m.filterAlerts(func(a models.PriceAlert) bool { return a.UserID == userID }), nil
}

func (m *memStore) ListAlertsByCoin(ctx context.Context, coinID string) ([]models.PriceAlert, error) {
	return m.filterAlerts(func(a models.PriceAlert) bool { return a.CoinID == coinID }), nil
}

func (m *memStore) UpdateAlert(ctx context.Context, a *models.PriceAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return database.ErrNotFound
	}
	m.alerts[a.ID] = *a
	return nil
}

func (m *memStore) DeleteAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *memStore) CreateHolding(ctx context.Context, h *models.Holding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.holdings {
		if existing.UserID == h.UserID && existing.CoinID == h.CoinID {
			return database.ErrDuplicateHolding
		}
	}
	m.holdings[h.ID] = *h
	return nil
}

func (m *memStore) GetHolding(ctx context.Context, id string) (*models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holdings[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &h, nil
}

func (m *memStore) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Holding
	for _, h := range m.holdings {
		out = append(out, h)
	}
	return out, nil
}

func (m *memStore) ListHoldingsByUser(ctx context.Context, userID string) ([]models.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Holding
	for _, h := range m.holdings {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) UpdateHolding(ctx context.Context, h *models.Holding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[h.ID] = *h
	return nil
}

func (m *memStore) DeleteHolding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holdings[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.holdings, id)
	return nil
}

func (m *memStore) ListSnapshots(ctx context.Context, userID string, limit int) ([]models.PortfolioSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PortfolioSnapshot
	for _, s := range m.snapshots {
		if s.UserID == userID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

// trigger commits a transition the way the evaluator does
func (m *memStore) trigger(id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.alerts[id]
	a.MarkTriggered(models.AlertTransition{
		AlertID:        id,
		TriggeredPrice: decimal.NewFromInt(price),
		ObservedAt:     time.Now().UTC(),
	})
	m.alerts[id] = a
}

type fakePortfolio struct {
	value models.PortfolioValue
	err   error
	onRun func()
}

func (f *fakePortfolio) RunForUser(ctx context.Context, userID string) (models.PortfolioValue, error) {
	if f.onRun != nil {
		f.onRun()
	}
	v := f.value
	v.UserID = userID
	return v, f.err
}

// memCache is an in-memory ResponseCache
type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func (c *memCache) Get(ctx context.Context, key, endpoint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key], nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) InvalidateByPrefix(ctx context.Context, prefix, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

type testEnv struct {
	store     *memStore
	portfolio *fakePortfolio
	cache     *memCache
	hub       *Hub
	mux       *http.ServeMux
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     newMemStore(),
		portfolio: &fakePortfolio{},
		cache:     &memCache{entries: make(map[string]string)},
		hub:       NewHub(),
	}
	env.mux = NewAPI(Deps{
		Alerts:    env.store,
		Holdings:  env.store,
		Snapshots: env.store,
		Portfolio: env.portfolio,
		Cache:     env.cache,
		Hub:       env.hub,
	}).Routes()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func dataOf(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok, "response has no object data: %v", resp)
	return data
}

func TestCreateAlert(t *testing.T) {
	env := newTestEnv()

	rec, resp := env.do(t, http.MethodPost, "/alerts",
		`{"user_id":"u1","coin_id":" Bitcoin ","condition":"ABOVE","target_price":"50000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	data := dataOf(t, resp)
	assert.Equal(t, "bitcoin", data["coin_id"])
	assert.Equal(t, "above", data["condition"])
	assert.Equal(t, true, data["is_active"])
	assert.Len(t, env.store.alerts, 1)
}

func TestCreateAlert_Validation(t *testing.T) {
	env := newTestEnv()

	cases := map[string]string{
		"zero target":   `{"user_id":"u1","coin_id":"bitcoin","condition":"above","target_price":"0"}`,
		"bad condition": `{"user_id":"u1","coin_id":"bitcoin","condition":"sideways","target_price":"10"}`,
		"missing user":  `{"coin_id":"bitcoin","condition":"below","target_price":"10"}`,
		"malformed":     `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, _ := env.do(t, http.MethodPost, "/alerts", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, env.store.alerts)
}

func TestUpdateAlert_RearmClearsTriggerMetadata(t *testing.T) {
	env := newTestEnv()
	triggeredAt := time.Now().UTC()
	price := decimal.NewFromInt(51000)
	env.store.alerts["a1"] = models.PriceAlert{
		ID: "a1", UserID: "u1", CoinID: "bitcoin", Condition: models.ConditionAbove,
		TargetPrice: decimal.NewFromInt(50000), IsActive: false,
		TriggeredPrice: &price, TriggeredAt: &triggeredAt,
	}

	rec, resp := env.do(t, http.MethodPatch, "/alerts/a1", `{"is_active":true,"target_price":"55000"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataOf(t, resp)
	assert.Equal(t, true, data["is_active"])
	assert.NotContains(t, data, "triggered_at")

	stored := env.store.alerts["a1"]
	assert.True(t, stored.IsActive)
	assert.Nil(t, stored.TriggeredAt)
	assert.Nil(t, stored.TriggeredPrice)
	assert.True(t, stored.TargetPrice.Equal(decimal.NewFromInt(55000)))
}

func TestUpdateAlert_DeactivateKeepsMetadata(t *testing.T) {
	env := newTestEnv()
	env.store.alerts["a1"] = models.PriceAlert{
		ID: "a1", UserID: "u1", CoinID: "bitcoin", Condition: models.ConditionBelow,
		TargetPrice: decimal.NewFromInt(100), IsActive: true,
	}

	rec, _ := env.do(t, http.MethodPut, "/alerts/a1", `{"is_active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	stored := env.store.alerts["a1"]
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.TriggeredAt, "manual deactivation is not a trigger")

	rec, _ = env.do(t, http.MethodPut, "/alerts/a1", `{"target_price":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlert_NotFound(t *testing.T) {
	env := newTestEnv()

	rec, _ := env.do(t, http.MethodGet, "/alerts/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = env.do(t, http.MethodDelete, "/alerts/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = env.do(t, http.MethodPatch, "/alerts/missing", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBrowseAlerts_CachedAndInvalidated(t *testing.T) {
	env := newTestEnv()
	env.store.alerts["a1"] = models.PriceAlert{
		ID: "a1", UserID: "u1", CoinID: "bitcoin", Condition: models.ConditionAbove,
		TargetPrice: decimal.NewFromInt(1), IsActive: true,
	}

	rec, resp := env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["data"], 1)

	rec, _ = env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.store.listCalls, "second browse served from cache")

	rec, _ = env.do(t, http.MethodDelete, "/alerts/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, env.store.listCalls)
	assert.Empty(t, resp["data"])
}

func firstAlert(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	list, ok := resp["data"].([]any)
	require.True(t, ok, "response has no list data: %v", resp)
	require.Len(t, list, 1)
	return list[0].(map[string]any)
}

func TestBrowseAlerts_RefreshedAfterPublishedTrigger(t *testing.T) {
	env := newTestEnv()
	env.store.alerts["a1"] = models.PriceAlert{
		ID: "a1", UserID: "u1", CoinID: "bitcoin", Condition: models.ConditionAbove,
		TargetPrice: decimal.NewFromInt(50000), IsActive: true,
	}

	_, resp := env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	assert.Equal(t, true, firstAlert(t, resp)["is_active"])

	// The evaluator commits the transition, then publishes it
	env.store.trigger("a1", 51000)

	clientChan := env.hub.register("u1")
	defer env.hub.unregister(clientChan)
	src := make(chanSource, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Listen(ctx, src)
	src <- `{"alert_id":"a1","user_id":"u1","timestamp":"2026-03-01T12:00:00Z"}`

	select {
	case <-clientChan:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not broadcast")
	}

	rec, resp := env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := firstAlert(t, resp)
	assert.Equal(t, false, got["is_active"])
	assert.Equal(t, "51000", got["triggered_price"])
	assert.Equal(t, 2, env.store.listCalls)
}

func TestBrowseAlerts_RefreshedAfterManualCycle(t *testing.T) {
	env := newTestEnv()
	env.store.alerts["a1"] = models.PriceAlert{
		ID: "a1", UserID: "u1", CoinID: "bitcoin", Condition: models.ConditionBelow,
		TargetPrice: decimal.NewFromInt(100), IsActive: true,
	}
	env.portfolio.onRun = func() { env.store.trigger("a1", 90) }

	_, resp := env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	assert.Equal(t, true, firstAlert(t, resp)["is_active"])

	rec, _ := env.do(t, http.MethodGet, "/portfolio/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, http.MethodGet, "/alerts?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := firstAlert(t, resp)
	assert.Equal(t, false, got["is_active"])
	assert.Equal(t, "90", got["triggered_price"])
}

func TestHoldings_CreateDuplicateAndUpdate(t *testing.T) {
	env := newTestEnv()

	rec, resp := env.do(t, http.MethodPost, "/holdings",
		`{"user_id":"u1","coin_id":"bitcoin","quantity":"0.5","average_buy_price":"30000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := dataOf(t, resp)["id"].(string)

	rec, _ = env.do(t, http.MethodPost, "/holdings", `{"user_id":"u1","coin_id":"BITCOIN","quantity":"1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/holdings", `{"user_id":"u1","coin_id":"ethereum","quantity":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPatch, "/holdings/"+id, `{"quantity":"2","note":"ledger"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := env.store.holdings[id]
	assert.True(t, stored.Quantity.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, stored.Note)
	assert.Equal(t, "ledger", *stored.Note)

	rec, _ = env.do(t, http.MethodPatch, "/holdings/"+id, `{"average_buy_price":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = env.do(t, http.MethodGet, "/holdings?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["data"], 1)

	rec, _ = env.do(t, http.MethodDelete, "/holdings/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "/holdings/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortfolio_ManualCycle(t *testing.T) {
	env := newTestEnv()
	env.portfolio.value = models.PortfolioValue{
		TotalValue:  decimal.NewFromInt(300),
		Unavailable: []string{"dogecoin"},
	}

	rec, resp := env.do(t, http.MethodGet, "/portfolio/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, resp)
	assert.Equal(t, "u1", data["user_id"])
	assert.Equal(t, "300", data["total_value"])
	assert.Equal(t, []any{"dogecoin"}, data["unavailable"])

	env.portfolio.err = errors.New("db down")
	rec, _ = env.do(t, http.MethodGet, "/portfolio/u1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/portfolio/u1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPortfolio_Snapshots(t *testing.T) {
	env := newTestEnv()
	for i := 0; i < 3; i++ {
		env.store.snapshots = append(env.store.snapshots, models.PortfolioSnapshot{
			ID: int64(i + 1), UserID: "u1", TotalValue: decimal.NewFromInt(int64(i)),
		})
	}

	rec, resp := env.do(t, http.MethodGet, "/portfolio/u1/snapshots?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["data"], 2)

	rec, resp = env.do(t, http.MethodGet, "/portfolio/u2/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp["data"])

	rec, _ = env.do(t, http.MethodGet, "/portfolio/u1/snapshots?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/portfolio/u1/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv()
	rec, resp := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["message"])
}

func TestStreamAlerts_FiltersByUser(t *testing.T) {
	env := newTestEnv()
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/alerts/stream?user_id=u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	env.hub.Broadcast(notify.AlertMessage{AlertID: "other", UserID: "u2", Timestamp: "t"})
	env.hub.Broadcast(notify.AlertMessage{AlertID: "mine", UserID: "u1", Timestamp: "t"})

	reader := bufio.NewReader(resp.Body)
	var line string
	for !strings.HasPrefix(line, "data: ") {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}

	var got notify.AlertMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got))
	assert.Equal(t, "mine", got.AlertID)

	cancel()
	require.Eventually(t, func() bool { return env.hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

// chanSource feeds Hub.Listen from a channel
type chanSource chan string

func (c chanSource) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	select {
	case payload := <-c:
		return &redis.Message{Channel: notify.AlertsChannel, Payload: payload}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestHub_ListenBroadcastsPublishedAlerts(t *testing.T) {
	hub := NewHub()
	clientChan := hub.register("u1")
	defer hub.unregister(clientChan)

	src := make(chanSource, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Listen(ctx, src)
		close(done)
	}()

	src <- "not json"
	src <- `{"alert_id":"a1","user_id":"u1","timestamp":"2026-03-01T12:00:00Z"}`

	select {
	case msg := <-clientChan:
		assert.Equal(t, "a1", msg.AlertID)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not broadcast")
	}

	cancel()
	<-done
}
