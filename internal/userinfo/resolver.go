package userinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"icinema/internal/auth"
)

// Placeholder is shown when a sender cannot be resolved.
const Placeholder = "mystery user"

var ErrNotFound = errors.New("user not found")

type Info struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar,omitempty"`
}

type Resolver interface {
	GetUserInfo(ctx context.Context, id int64) (Info, error)
}

// DisplayName never fails; unknown or broken lookups yield Placeholder.
func DisplayName(ctx context.Context, r Resolver, id int64) string {
	if r == nil || id <= 0 {
		return Placeholder
	}
	info, err := r.GetUserInfo(ctx, id)
	if err != nil {
		ilog.EventInfo(ctx, "userinfo_lookup_failed", "senderID", id, "err", err.Error())
		return Placeholder
	}
	if info.Username == "" {
		return Placeholder
	}
	return info.Username
}

// HTTPResolver loads users from GET {BaseURL}/users/{id} and caches hits.
type HTTPResolver struct {
	baseURL string
	creds   auth.Source
	client  *client.Client

	mu    sync.RWMutex
	cache map[int64]Info
}

func NewHTTPResolver(baseURL string, creds auth.Source) (*HTTPResolver, error) {
	c, err := client.NewClient()
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  c,
		cache:   make(map[int64]Info),
	}, nil
}

func (r *HTTPResolver) GetUserInfo(ctx context.Context, id int64) (Info, error) {
	r.mu.RLock()
	info, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return info, nil
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(consts.MethodGet)
	req.SetRequestURI(fmt.Sprintf("%s/users/%d", r.baseURL, id))
	if r.creds != nil {
		if token, ok := r.creds.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if err := r.client.Do(ctx, req, resp); err != nil {
		return Info{}, fmt.Errorf("get user %d: %w", id, err)
	}
	switch status := resp.StatusCode(); {
	case status == consts.StatusNotFound:
		return Info{}, ErrNotFound
	case status != consts.StatusOK:
		return Info{}, fmt.Errorf("get user %d: status %d", id, status)
	}
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return Info{}, fmt.Errorf("decode user %d: %w", id, err)
	}

	r.mu.Lock()
	r.cache[id] = info
	r.mu.Unlock()
	return info, nil
}

// Static resolves from a fixed map; handy for offline clients.
type Static map[int64]Info

func (s Static) GetUserInfo(_ context.Context, id int64) (Info, error) {
	info, ok := s[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}
