package proxy

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/metergate/metergate/internal/logger"
	"github.com/metergate/metergate/internal/store"
)

func doGet(t *testing.T, client *http.Client, token, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleModels_FilteredByAllowList(t *testing.T) {
	srv, _ := okUpstream(t)
	env := newEnv(t, srv.URL, func(k *store.APIKey) {
		k.AllowedModels = []string{"gpt-4o"}
	})
	env.store.PutModel(&store.ModelConfig{Model: "claude-3-5-sonnet", InputPrice: 3, OutputPrice: 15, Enabled: true})
	env.store.PutModel(&store.ModelConfig{Model: "retired", InputPrice: 1, OutputPrice: 1, Enabled: false})

	client := serveGateway(t, env.gw)
	resp := doGet(t, client, testToken, "http://gateway/v1/models")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if obj := gjson.GetBytes(body, "object").String(); obj != "list" {
		t.Errorf("object = %q", obj)
	}
	data := gjson.GetBytes(body, "data").Array()
	if len(data) != 1 {
		t.Fatalf("models = %d, want only the allow-listed one: %s", len(data), body)
	}
	if id := data[0].Get("id").String(); id != "gpt-4o" {
		t.Errorf("model id = %q", id)
	}
}

func TestHandleModels_RequiresAuth(t *testing.T) {
	srv, _ := okUpstream(t)
	env := newEnv(t, srv.URL, nil)
	client := serveGateway(t, env.gw)

	resp := doGet(t, client, "", "http://gateway/v1/models")
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleBillingSubscription(t *testing.T) {
	srv, _ := okUpstream(t)
	expiry := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newEnv(t, srv.URL, func(k *store.APIKey) {
		k.TotalQuota = 100
		k.UsedQuota = 25
		k.ExpiresAt = &expiry
	})
	client := serveGateway(t, env.gw)

	resp := doGet(t, client, testToken, "http://gateway/v1/dashboard/billing/subscription")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if got := gjson.GetBytes(body, "hard_limit_usd").Float(); got != 100 {
		t.Errorf("hard_limit_usd = %v", got)
	}
	if got := gjson.GetBytes(body, "soft_limit_usd").Float(); got != 75 {
		t.Errorf("soft_limit_usd = %v, want the remaining 75", got)
	}
	if got := gjson.GetBytes(body, "access_until").Int(); got != expiry.Unix() {
		t.Errorf("access_until = %v", got)
	}
}

func TestHandleBillingUsage(t *testing.T) {
	srv, _ := okUpstream(t)
	env := newEnv(t, srv.URL, nil)

	day := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	err := env.logStore.Append(context.Background(), []logger.RequestLog{
		{ID: uuid.New(), KeyID: env.keyID, Cost: 0.25, TotalTokens: 100, Status: 200, CreatedAt: day},
		{ID: uuid.New(), KeyID: env.keyID, Cost: 0.50, TotalTokens: 200, Status: 200, CreatedAt: day.AddDate(0, 0, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	client := serveGateway(t, env.gw)
	resp := doGet(t, client, testToken,
		"http://gateway/v1/dashboard/billing/usage?start_date=2025-06-10&end_date=2025-06-11")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	days := gjson.GetBytes(body, "daily_costs").Array()
	// end_date is inclusive, so both days are in range.
	if len(days) != 2 {
		t.Fatalf("daily_costs = %d, want 2: %s", len(days), body)
	}
	if got := gjson.GetBytes(body, "total_usage").Float(); got != 75 {
		t.Errorf("total_usage = %v cents, want 75", got)
	}
}

func TestHandleBillingUsage_BadDate(t *testing.T) {
	srv, _ := okUpstream(t)
	env := newEnv(t, srv.URL, nil)
	client := serveGateway(t, env.gw)

	resp := doGet(t, client, testToken,
		"http://gateway/v1/dashboard/billing/usage?start_date=June-10&end_date=2025-06-11")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "Invalid start_date, expected YYYY-MM-DD" {
		t.Errorf("message = %q", msg)
	}
}

func TestHandleLogs_Pagination(t *testing.T) {
	srv, _ := okUpstream(t)
	env := newEnv(t, srv.URL, nil)

	now := time.Now().UTC()
	var batch []logger.RequestLog
	for i := range 30 {
		batch = append(batch, logger.RequestLog{
			ID:          uuid.New(),
			KeyID:       env.keyID,
			Model:       "gpt-4o",
			TotalTokens: i,
			Status:      200,
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		})
	}
	if err := env.logStore.Append(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	client := serveGateway(t, env.gw)
	resp := doGet(t, client, testToken, "http://gateway/v1/logs?page=2&per_page=10")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if total := gjson.GetBytes(body, "total").Int(); total != 30 {
		t.Errorf("total = %d, want 30", total)
	}
	data := gjson.GetBytes(body, "data").Array()
	if len(data) != 10 {
		t.Fatalf("page size = %d, want 10", len(data))
	}
	// Newest first; page 2 starts at the 11th newest entry (tokens=19).
	if got := data[0].Get("total_tokens").Int(); got != 19 {
		t.Errorf("page 2 leads with total_tokens=%d, want 19", got)
	}
}
