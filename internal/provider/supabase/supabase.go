package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/logbus"
	"heartbeat_bot/internal/model"
	"heartbeat_bot/internal/provider"
)

const (
	tokenPath      = "/auth/v1/token"
	installIDPath  = "/rest/v1/rpc/get_install_id"
	heartbeatPath  = "/functions/v1/heartbeat"
	earningsPath   = "/rest/v1/rpc/get_user_earnings_last_24h"
	jsonMediaType  = "application/json"
	earningsSchema = "internal"
)

type SupabaseProvider struct {
	cfg    config.APIConfig
	bus    *logbus.Bus
	client *resty.Client
}

func New(cfg config.APIConfig, bus *logbus.Bus) *SupabaseProvider {
	p := &SupabaseProvider{cfg: cfg, bus: bus}
	p.client = p.newClient()
	return p
}

func (p *SupabaseProvider) Name() string { return "supabase" }

type passwordGrantReq struct {
	Email              string   `json:"email"`
	Password           string   `json:"password"`
	GotrueMetaSecurity struct{} `json:"gotrue_meta_security"`
}

type refreshGrantReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         *struct {
		ID string `json:"id"`
	} `json:"user,omitempty"`
}

type userIDReq struct {
	UserID string `json:"p_user_id"`
}

type installIDResp struct {
	InstallID string `json:"installId"`
}

type heartbeatReq struct {
	InstallID string `json:"installId"`
}

func (p *SupabaseProvider) Login(ctx context.Context, account model.Account) (provider.TokenGrant, error) {
	grant, err := p.tokenGrant(ctx, "password", passwordGrantReq{
		Email:    account.Email,
		Password: account.Password,
	})
	if err != nil {
		return provider.TokenGrant{}, fmt.Errorf("login: %w", err)
	}
	return grant, nil
}

func (p *SupabaseProvider) Refresh(ctx context.Context, account model.Account) (provider.TokenGrant, error) {
	grant, err := p.tokenGrant(ctx, "refresh_token", refreshGrantReq{RefreshToken: account.RefreshToken})
	if err != nil {
		return provider.TokenGrant{}, fmt.Errorf("refresh: %w", err)
	}
	grant.UserID = ""
	return grant, nil
}

func (p *SupabaseProvider) tokenGrant(ctx context.Context, grantType string, body any) (provider.TokenGrant, error) {
	var resp tokenResp
	r, err := p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+p.cfg.APIKey).
		SetQueryParam("grant_type", grantType).
		SetBody(body).
		ForceContentType(jsonMediaType).
		SetResult(&resp).
		Post(tokenPath)
	if err != nil {
		return provider.TokenGrant{}, err
	}
	if !r.IsSuccess() {
		return provider.TokenGrant{}, &provider.StatusError{Op: "token " + grantType, Status: r.StatusCode()}
	}
	if resp.AccessToken == "" {
		return provider.TokenGrant{}, errors.New("token response has no access_token")
	}
	grant := provider.TokenGrant{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    resp.ExpiresIn,
	}
	if resp.User != nil {
		grant.UserID = resp.User.ID
	}
	return grant, nil
}

func (p *SupabaseProvider) InstallID(ctx context.Context, account model.Account) (string, error) {
	var resp installIDResp
	r, err := p.authorized(ctx, account).
		SetBody(userIDReq{UserID: account.UserID}).
		ForceContentType(jsonMediaType).
		SetResult(&resp).
		Post(installIDPath)
	if err != nil {
		return "", fmt.Errorf("install id: %w", err)
	}
	if !r.IsSuccess() {
		return "", &provider.StatusError{Op: "install id", Status: r.StatusCode()}
	}
	id := strings.TrimSpace(resp.InstallID)
	if id == "" {
		return "", errors.New("install id: response has no installId")
	}
	return id, nil
}

func (p *SupabaseProvider) Heartbeat(ctx context.Context, account model.Account) (int, error) {
	r, err := p.authorized(ctx, account).
		SetHeader("Accept", "*/*").
		SetHeader("x-client-info", p.cfg.ClientInfo).
		SetBody(heartbeatReq{InstallID: account.InstallID}).
		Post(heartbeatPath)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: %w", err)
	}
	return r.StatusCode(), nil
}

func (p *SupabaseProvider) Earnings(ctx context.Context, account model.Account) (json.RawMessage, error) {
	r, err := p.authorized(ctx, account).
		SetHeader("Accept", "*/*").
		SetHeader("content-profile", earningsSchema).
		SetHeader("x-client-info", p.cfg.ClientInfo).
		SetBody(userIDReq{UserID: account.UserID}).
		Post(earningsPath)
	if err != nil {
		return nil, fmt.Errorf("earnings: %w", err)
	}
	if !r.IsSuccess() {
		return nil, &provider.StatusError{Op: "earnings", Status: r.StatusCode()}
	}
	return passthrough(r.Body()), nil
}

// passthrough keeps JSON payloads as they are and wraps anything else as a
// JSON string so it can be logged and stored alongside real JSON.
func passthrough(body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(trimmed)
	return b
}

func (p *SupabaseProvider) authorized(ctx context.Context, account model.Account) *resty.Request {
	return p.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+account.AccessToken)
}

func (p *SupabaseProvider) newClient() *resty.Client {
	client := resty.New().
		SetBaseURL(p.cfg.BaseURL).
		SetTimeout(p.cfg.Timeout()).
		SetRetryCount(p.cfg.Retry.Count).
		SetRetryWaitTime(p.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(p.cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", jsonMediaType).
		SetHeader("apikey", p.cfg.APIKey)

	if p.cfg.Proxy != "" {
		client.SetProxy(p.cfg.Proxy)
	}
	if p.cfg.UserAgent != "" {
		client.SetHeader("User-Agent", p.cfg.UserAgent)
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if p.bus != nil {
			p.bus.Log("debug", "http request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
			})
		}
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if p.bus != nil {
			p.bus.Log("debug", "http response", map[string]any{
				"url":     resp.Request.URL,
				"status":  resp.StatusCode(),
				"elapsed": resp.Time().String(),
			})
		}
		return nil
	})

	return client
}
