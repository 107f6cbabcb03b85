// Package upstream is the day-ahead API client: login with bearer
// token caching, market product schedules, and measurement posts.
// A 401 on any authorized call triggers exactly one re-login and
// retry; persistent failures bubble up to the caller.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hilsched/internal/plant"
	"hilsched/internal/schedule"
	"hilsched/internal/timeutil"
)

// marketProductID selects the dispatch product in /market_products.
const marketProductID = 4

// ErrUnauthorized marks a 401 from the API.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNoPassword means no credentials have been provided yet.
var ErrNoPassword = errors.New("no api password available")

// Client talks to the day-ahead API. Safe for concurrent use; the
// token cache is shared between the fetcher and the post workers.
type Client struct {
	baseURL string
	email   string
	http    *http.Client
	limiter *rate.Limiter
	tz      *timeutil.Service
	log     *zap.Logger

	mu       sync.Mutex
	token    string
	password string
}

// NewClient builds a client for the configured base URL. No network
// traffic happens until Login.
func NewClient(baseURL, email string, timeout time.Duration, tz *timeutil.Service, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		email:   email,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		tz:      tz,
		log:     log,
	}
}

// Login authenticates and caches both the bearer token and the
// password for later re-logins.
func (c *Client) Login(ctx context.Context, password string) error {
	if password == "" {
		return ErrNoPassword
	}
	var out struct {
		Token string `json:"token"`
	}
	err := c.request(ctx, http.MethodPost, "/login", nil,
		map[string]string{"email": c.email, "password": password}, &out, false)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("login: response carried no token")
	}
	c.mu.Lock()
	c.token = out.Token
	c.password = password
	c.mu.Unlock()
	c.log.Info("api login succeeded", zap.String("base_url", c.baseURL))
	return nil
}

// Relogin repeats the login with the cached password.
func (c *Client) Relogin(ctx context.Context) error {
	c.mu.Lock()
	password := c.password
	c.mu.Unlock()
	return c.Login(ctx, password)
}

// ClearSession drops the cached token. The password is retained so a
// later connect can re-login without operator input.
func (c *Client) ClearSession() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type activation struct {
	LibToVppKw  float64 `json:"lib_to_vpp_kw"`
	VppToLibKw  float64 `json:"vpp_to_lib_kw"`
	VrfbToVppKw float64 `json:"vrfb_to_vpp_kw"`
	VppToVrfbKw float64 `json:"vpp_to_vrfb_kw"`
}

type deliveryPeriod struct {
	DeliveryPeriod string       `json:"delivery_period"`
	Activation     []activation `json:"activation"`
}

type marketProduct struct {
	ID              int              `json:"id"`
	DeliveryPeriods []deliveryPeriod `json:"delivery_periods"`
}

// DaySchedules fetches the product activations for one local day and
// converts them to per-plant schedule frames. Net plant power is
// to_vpp minus vpp_to; reactive setpoints are zero. Rows outside the
// civil day starting at dayStart are discarded.
func (c *Client) DaySchedules(ctx context.Context, dayStart time.Time) (map[plant.ID]schedule.Frame, error) {
	dayEnd := dayStart.AddDate(0, 0, 1)
	query := url.Values{}
	query.Set("id", fmt.Sprintf("%d", marketProductID))
	query.Set("delivery_period_gte", c.tz.UTCISO(dayStart))
	query.Set("delivery_period_lte", c.tz.UTCISO(dayEnd))

	var products []marketProduct
	if err := c.do(ctx, http.MethodGet, "/market_products", query, nil, &products); err != nil {
		return nil, fmt.Errorf("fetch market products: %w", err)
	}

	frames := map[plant.ID]schedule.Frame{plant.LIB: {}, plant.VRFB: {}}
	for _, product := range products {
		if product.ID != marketProductID {
			continue
		}
		for _, dp := range product.DeliveryPeriods {
			if len(dp.Activation) == 0 {
				continue
			}
			t, err := c.tz.ParseISO(dp.DeliveryPeriod)
			if err != nil {
				c.log.Warn("skipping unparsable delivery period",
					zap.String("delivery_period", dp.DeliveryPeriod), zap.Error(err))
				continue
			}
			t = c.tz.Normalize(t)
			if t.Before(dayStart) || !t.Before(dayEnd) {
				continue
			}
			act := dp.Activation[0]
			frames[plant.LIB] = append(frames[plant.LIB], schedule.Point{
				T:   t,
				PKw: act.LibToVppKw - act.VppToLibKw,
			})
			frames[plant.VRFB] = append(frames[plant.VRFB], schedule.Point{
				T:   t,
				PKw: act.VrfbToVppKw - act.VppToVrfbKw,
			})
		}
	}
	for pid := range frames {
		sort.Slice(frames[pid], func(i, j int) bool { return frames[pid][i].T.Before(frames[pid][j].T) })
		if err := frames[pid].Validate(); err != nil {
			return nil, fmt.Errorf("schedule for %s: %w", pid, err)
		}
	}
	return frames, nil
}

// PostMeasurement sends one value of one series. Timestamps travel
// as UTC ISO strings.
func (c *Client) PostMeasurement(ctx context.Context, seriesID int, ts time.Time, value float64) error {
	payload := map[string]any{
		"measurement_series": seriesID,
		"measurements": []map[string]any{
			{"timestamp": c.tz.UTCISO(ts), "measurement": value},
		},
	}
	if err := c.do(ctx, http.MethodPost, "/measurements", nil, payload, nil); err != nil {
		return fmt.Errorf("post measurement series %d: %w", seriesID, err)
	}
	return nil
}

// do runs one authorized request with a single re-login retry on 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	err := c.request(ctx, method, path, query, body, out, true)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	c.log.Info("api session expired, re-logging in", zap.String("path", path))
	if err := c.Relogin(ctx); err != nil {
		return fmt.Errorf("re-login after 401: %w", err)
	}
	return c.request(ctx, method, path, query, body, out, true)
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, out any, authorized bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			return ErrUnauthorized
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
