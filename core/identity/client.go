package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Prerelease/logger"
	"Prerelease/model"

	"github.com/golang-jwt/jwt/v5"
)

// Client 远端身份服务客户端
type Client interface {
	// HealthCheck 返回 nil 表示服务可用
	HealthCheck(ctx context.Context) error
	IsUsernameAvailable(ctx context.Context, candidate string) (bool, error)
	// FetchProfile 远端不存在该资料时返回 (nil, nil)
	FetchProfile(ctx context.Context, id string) (*model.UserProfile, error)
	// UpsertProfile 用户名被占用时返回 model.ErrConflict
	UpsertProfile(ctx context.Context, profile *model.UserProfile) error
}

// tokenTTL 每个请求签发的短期令牌有效期
const tokenTTL = 5 * time.Minute

// HTTPClient 基于 HTTP/JSON 的身份服务客户端
type HTTPClient struct {
	baseURL    string
	secret     []byte
	subject    func() string
	httpClient *http.Client
}

// NewHTTPClient 创建新的身份服务客户端
func NewHTTPClient(baseURL, secret string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetSubject 设置令牌主体（当前资料 ID）的来源
func (c *HTTPClient) SetSubject(subject func() string) {
	c.subject = subject
}

// SetTimeout 设置请求超时时间
func (c *HTTPClient) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

// HealthCheck 探测远端是否可用
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return model.Transient("health check", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// IsUsernameAvailable 查询用户名是否可用（大小写不敏感）
func (c *HTTPClient) IsUsernameAvailable(ctx context.Context, candidate string) (bool, error) {
	path := "/usernames/" + url.PathEscape(model.NormalizeUsername(candidate)) + "/availability"
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := checkStatus("username availability", resp); err != nil {
		return false, err
	}

	var out availabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode availability response: %w", err)
	}
	return out.Available, nil
}

// FetchProfile 拉取远端资料
func (c *HTTPClient) FetchProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	resp, err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus("fetch profile", resp); err != nil {
		return nil, err
	}

	var prof model.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&prof); err != nil {
		return nil, fmt.Errorf("decode profile response: %w", err)
	}
	return &prof, nil
}

// UpsertProfile 创建或覆盖远端资料
func (c *HTTPClient) UpsertProfile(ctx context.Context, profile *model.UserProfile) error {
	body, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, "/profiles/"+url.PathEscape(profile.ID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("upsert profile %q: %w", profile.Username, model.ErrConflict)
	}
	return checkStatus("upsert profile", resp)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.signToken()
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Debug("identity request failed",
			logger.String("method", method),
			logger.String("path", path),
			logger.ErrorField(err))
		return nil, model.Transient(method+" "+path, err)
	}
	return resp, nil
}

// signToken 签发 HS256 短期令牌；未配置密钥时不带鉴权头
func (c *HTTPClient) signToken() (string, error) {
	if len(c.secret) == 0 {
		return "", nil
	}
	sub := "anonymous"
	if c.subject != nil {
		if s := c.subject(); s != "" {
			sub = s
		}
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "prerelease",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return signed, nil
}

// checkStatus 5xx 视为暂时性错误，其余非 2xx 为普通错误
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return model.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
