// Package carapi talks to the vehicle cloud API: OAuth token upkeep,
// vehicle discovery, the staged wake-up schedule, and start/stop charge
// commands. Everything here runs on the background task thread; failures
// back off locally and never propagate to the bus loop.
package carapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultBaseURL = "https://owner-api.teslamotors.com"

// homeRadiusDeg is the lat/lon box treated as "at home" by the multi-car
// filter, roughly two miles.
const homeRadiusDeg = 0.0289

// renewBefore: refresh the bearer token when it has less than this much
// validity left.
const renewBefore = 30 * 24 * time.Hour

// minChargeCommandGap: never issue start/stop charge more than once a
// minute.
const minChargeCommandGap = 60 * time.Second

// Config holds the client's tuning knobs.
type Config struct {
	BaseURL       string
	ErrorRetryMin int // minutes to suppress API calls after an error
	DebugLevel    int
}

// Client is the vehicle cloud API client. One mutex guards tokens and the
// vehicle list; the HTTP calls themselves happen outside it.
type Client struct {
	clk  clock.Clock
	http *http.Client
	cfg  Config

	mu            sync.Mutex
	bearerToken   string
	refreshToken  string
	tokenExpire   time.Time
	lastErrorTime time.Time
	vehicles      []*Vehicle

	lastChargeCommand time.Time
	homeLat, homeLon  float64

	// OnTokensChanged persists refreshed credentials.
	OnTokensChanged func(bearer, refresh string, expireUnix int64)
}

// NewClient creates a client.
func NewClient(clk clock.Clock, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ErrorRetryMin <= 0 {
		cfg.ErrorRetryMin = 10
	}
	return &Client{
		clk:     clk,
		http:    &http.Client{Timeout: 60 * time.Second},
		cfg:     cfg,
		homeLat: 10000,
		homeLon: 10000,
	}
}

// SetTokens seeds credentials from persisted settings.
func (c *Client) SetTokens(bearer, refresh string, expireUnix int64) {
	c.mu.Lock()
	c.bearerToken = bearer
	c.refreshToken = refresh
	if expireUnix > 0 {
		c.tokenExpire = time.Unix(expireUnix, 0)
	}
	c.mu.Unlock()
}

// SetHome records the home location used by the multi-car filter.
func (c *Client) SetHome(lat, lon float64) {
	c.mu.Lock()
	c.homeLat, c.homeLon = lat, lon
	c.mu.Unlock()
}

// NeedBearerToken reports whether the operator must supply credentials
// before the API can be used.
func (c *Client) NeedBearerToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearerToken == ""
}

// VehicleCount returns how many vehicles the account lists.
func (c *Client) VehicleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vehicles)
}

// Vehicles returns a snapshot of the vehicle list.
func (c *Client) Vehicles() []*Vehicle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Vehicle{}, c.vehicles...)
}

// errorBackoffActive reports whether a recent API error still suppresses
// calls.
func (c *Client) errorBackoffActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.lastErrorTime) < time.Duration(c.cfg.ErrorRetryMin)*time.Minute
}

func (c *Client) noteError() {
	c.mu.Lock()
	c.lastErrorTime = c.clk.Now()
	c.mu.Unlock()
}

// ClearErrorBackoff lifts the suppression, used when the operator submits
// fresh credentials.
func (c *Client) ClearErrorBackoff() {
	c.mu.Lock()
	c.lastErrorTime = time.Time{}
	c.mu.Unlock()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Available ensures the API is usable: valid tokens, a vehicle list, and
// every vehicle awake or on its wake schedule. email/password are only
// consulted when no refresh token exists. Returns false when the API cannot
// be used yet.
func (c *Client) Available(ctx context.Context, email, password string) bool {
	if c.errorBackoffActive() {
		return false
	}

	if err := c.ensureToken(ctx, email, password); err != nil {
		log.Printf("[carapi] ERROR: %v. Please log in again via the web interface.", err)
		c.noteError()
		return false
	}

	if c.VehicleCount() == 0 {
		if err := c.fetchVehicles(ctx); err != nil {
			log.Printf("[carapi] ERROR: can't list vehicles: %v. Will retry in %d minutes.", err, c.cfg.ErrorRetryMin)
			c.noteError()
			return false
		}
	}

	ready := true
	for _, v := range c.Vehicles() {
		if !c.wakeVehicle(ctx, v) {
			ready = false
		}
	}
	return ready
}

// ensureToken refreshes or acquires the bearer token when missing or within
// the renewal window.
func (c *Client) ensureToken(ctx context.Context, email, password string) error {
	c.mu.Lock()
	bearer, refresh, expire := c.bearerToken, c.refreshToken, c.tokenExpire
	c.mu.Unlock()

	if bearer != "" && expire.Sub(c.clk.Now()) >= renewBefore {
		return nil
	}

	var body map[string]string
	switch {
	case refresh != "":
		body = map[string]string{"grant_type": "refresh_token", "refresh_token": refresh}
	case email != "" && password != "":
		body = map[string]string{"grant_type": "password", "email": email, "password": password}
	case bearer != "":
		// Token is nearing renewal but we have nothing to renew with;
		// keep using it until the operator re-authenticates.
		return nil
	default:
		return fmt.Errorf("carapi: no credentials")
	}

	var tok tokenResponse
	if err := c.post(ctx, "/oauth/token", body, &tok); err != nil || tok.AccessToken == "" {
		// Drop the tokens rather than hammering the API with a bad
		// refresh token until the operator re-enters a password.
		c.mu.Lock()
		c.bearerToken, c.refreshToken = "", ""
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("carapi: auth response had no access token")
		}
		return err
	}

	expireAt := c.clk.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.mu.Lock()
	c.bearerToken = tok.AccessToken
	c.refreshToken = tok.RefreshToken
	c.tokenExpire = expireAt
	cb := c.OnTokensChanged
	c.mu.Unlock()
	if cb != nil {
		cb(tok.AccessToken, tok.RefreshToken, expireAt.Unix())
	}
	return nil
}

func (c *Client) fetchVehicles(ctx context.Context) error {
	var resp struct {
		Response []struct {
			ID int64 `json:"id"`
		} `json:"response"`
		Count int `json:"count"`
	}
	if err := c.get(ctx, "/api/1/vehicles", &resp); err != nil {
		return err
	}
	c.mu.Lock()
	for _, r := range resp.Response {
		c.vehicles = append(c.vehicles, &Vehicle{ID: r.ID})
	}
	c.mu.Unlock()
	if c.cfg.DebugLevel >= 1 {
		log.Printf("[carapi] account lists %d vehicle(s)", len(resp.Response))
	}
	return nil
}

// wakeVehicle advances one vehicle's wake machine. Returns true when the
// vehicle is ready for commands.
func (c *Client) wakeVehicle(ctx context.Context, v *Vehicle) bool {
	now := c.clk.Now()

	if now.Sub(v.LastErrorTime) < time.Duration(c.cfg.ErrorRetryMin)*time.Minute {
		return false
	}
	if v.Ready(now) {
		return true
	}
	if !v.LastWakeAttempt.IsZero() && now.Sub(v.LastWakeAttempt) <= v.NextWakeDelay {
		return false
	}

	v.LastWakeAttempt = now
	var resp struct {
		Response struct {
			State string `json:"state"`
		} `json:"response"`
	}
	err := c.post(ctx, fmt.Sprintf("/api/1/vehicles/%d/wake_up", v.ID), nil, &resp)
	state := "error"
	if err == nil {
		state = resp.Response.State
	}

	if state == "online" {
		// Cars in deep power saving rarely answer online on the first
		// try; when they do, we are immediately ready.
		v.State = Online
		v.FirstWakeAttempt = time.Time{}
		v.NextWakeDelay = 0
		return true
	}

	v.State = Waking
	if v.FirstWakeAttempt.IsZero() {
		v.FirstWakeAttempt = now
	}
	sinceFirst := now.Sub(v.FirstWakeAttempt)
	v.NextWakeDelay = wakeDelay(sinceFirst)

	if sinceFirst > wakeFailureAfter {
		log.Printf("[carapi] ERROR: vehicle %d has resisted waking for %.1f hours (state %q)",
			v.ID, sinceFirst.Hours(), state)
	} else if c.cfg.DebugLevel >= 1 {
		log.Printf("[carapi] vehicle %d state %q, next wake attempt in %v", v.ID, state, v.NextWakeDelay)
	}
	return false
}

// AtHome reports whether the vehicle's last known location is inside the
// home box. Vehicles with no location yet count as away.
func (c *Client) AtHome(v *Vehicle) bool {
	c.mu.Lock()
	lat, lon := c.homeLat, c.homeLon
	c.mu.Unlock()
	if lat > 1000 || lon > 1000 {
		return false
	}
	return math.Abs(lat-v.Lat) <= homeRadiusDeg && math.Abs(lon-v.Lon) <= homeRadiusDeg
}

// Charge starts or stops charging on every eligible vehicle. When
// onlyAtHome is set and the account has multiple cars, commands only go to
// cars inside the home box, and their locations are refreshed first.
// Returns true when every command succeeded (or none was needed).
func (c *Client) Charge(ctx context.Context, start bool, onlyAtHome bool) bool {
	now := c.clk.Now()
	c.mu.Lock()
	if now.Sub(c.lastChargeCommand) < minChargeCommandGap {
		c.mu.Unlock()
		return false
	}
	c.lastChargeCommand = now
	c.mu.Unlock()

	if start {
		// A rising budget resets the per-vehicle decline latch.
		for _, v := range c.Vehicles() {
			v.StopAskingToStartCharging = false
		}
	}

	if !c.Available(ctx, "", "") {
		return false
	}

	ok := true
	for _, v := range c.Vehicles() {
		if start && v.StopAskingToStartCharging {
			continue
		}
		if now.Sub(v.LastErrorTime) < time.Duration(c.cfg.ErrorRetryMin)*time.Minute {
			continue
		}

		if onlyAtHome && c.VehicleCount() > 1 {
			if err := c.refreshLocation(ctx, v); err != nil {
				log.Printf("[carapi] can't read vehicle %d location: %v", v.ID, err)
				v.LastErrorTime = c.clk.Now()
				ok = false
				continue
			}
			if !c.AtHome(v) {
				if c.cfg.DebugLevel >= 1 {
					log.Printf("[carapi] vehicle %d is away from home, skipping", v.ID)
				}
				continue
			}
		}

		if err := c.chargeCommand(ctx, v, start); err != nil {
			ok = false
		}
	}
	return ok
}

func (c *Client) refreshLocation(ctx context.Context, v *Vehicle) error {
	var resp struct {
		Response struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"response"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/1/vehicles/%d/data_request/drive_state", v.ID), &resp); err != nil {
		return err
	}
	v.Lat, v.Lon = resp.Response.Latitude, resp.Response.Longitude
	return nil
}

func (c *Client) chargeCommand(ctx context.Context, v *Vehicle, start bool) error {
	verb := "charge_stop"
	if start {
		verb = "charge_start"
	}
	var resp struct {
		Response struct {
			Result bool   `json:"result"`
			Reason string `json:"reason"`
		} `json:"response"`
	}
	err := c.post(ctx, fmt.Sprintf("/api/1/vehicles/%d/command/%s", v.ID, verb), nil, &resp)
	if err != nil {
		log.Printf("[carapi] %s on vehicle %d failed: %v", verb, v.ID, err)
		v.LastErrorTime = c.clk.Now()
		return err
	}
	if !resp.Response.Result {
		switch resp.Response.Reason {
		case "complete", "charging":
			// Not an error: the car is full or already doing what we
			// asked.
			if start {
				v.StopAskingToStartCharging = true
			}
		case "could_not_wake_buses":
			// The car was awake enough to answer but not to act;
			// retry on the next cycle.
		default:
			log.Printf("[carapi] %s on vehicle %d declined: %q", verb, v.ID, resp.Response.Reason)
			v.LastErrorTime = c.clk.Now()
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("carapi: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("carapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("carapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("carapi: %s %s: status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("carapi: decode %s response: %w", path, err)
	}
	return nil
}
