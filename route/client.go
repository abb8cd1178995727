package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cim/errs"
	"cim/models"
)

const (
	connectTimeout = 30 * time.Second
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client talks to the registry HTTP API. Replies with a nonzero code are
// returned as the matching errs kind, and deadline overruns as
// errs.ErrUpstreamTimeout.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: readTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Transport: transport},
	}
}

func (c *Client) Register(ctx context.Context, name, secret string) (int64, error) {
	var rep RegisterReply
	err := c.post(ctx, "/registry/register", CredentialsRequest{UserName: name, Secret: secret}, &rep)
	return rep.UserID, err
}

// Login asks for a relay assignment, avoiding the relays in exclude when
// another one is available.
func (c *Client) Login(ctx context.Context, name, secret string, exclude ...int64) (Assignment, error) {
	var rep LoginReply
	if err := c.post(ctx, "/registry/login", CredentialsRequest{UserName: name, Secret: secret, Exclude: exclude}, &rep); err != nil {
		return Assignment{}, err
	}
	return Assignment{
		UserID: rep.UserID,
		Server: models.ServerNode{ID: rep.ServerID, Host: rep.Host, Port: rep.Port},
		Token:  rep.Token,
	}, nil
}

func (c *Client) Lookup(ctx context.Context, userID int64) (models.ServerNode, error) {
	var rep LookupReply
	q := url.Values{"userId": {strconv.FormatInt(userID, 10)}}
	if err := c.get(ctx, "/registry/lookup", q, &rep); err != nil {
		return models.ServerNode{}, err
	}
	return models.ServerNode{ID: rep.ServerID, Host: rep.Host, Port: rep.Port}, nil
}

func (c *Client) OnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	var rep UsersReply
	err := c.get(ctx, "/registry/online", nil, &rep)
	return rep.Users, err
}

func (c *Client) SearchUsers(ctx context.Context, pattern string) ([]models.OnlineUser, error) {
	var rep UsersReply
	err := c.get(ctx, "/registry/search", url.Values{"q": {pattern}}, &rep)
	return rep.Users, err
}

func (c *Client) Offline(ctx context.Context, userID, serverID int64) error {
	var rep reply
	return c.post(ctx, "/registry/offline", OfflineRequest{UserID: userID, ServerID: serverID}, &rep)
}

func (c *Client) RegisterServer(ctx context.Context, host string, port int, hint int64) (int64, error) {
	var rep ServerRegisterReply
	err := c.post(ctx, "/server/register", ServerRegisterRequest{Host: host, Port: port, ServerID: hint}, &rep)
	return rep.ServerID, err
}

func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatReply, error) {
	var rep HeartbeatReply
	err := c.post(ctx, "/server/heartbeat", req, &rep)
	return rep, err
}

// Servers lists the registered relays.
func (c *Client) Servers(ctx context.Context) ([]models.ServerNode, error) {
	var rep ServersReply
	err := c.get(ctx, "/server/list", nil, &rep)
	return rep.Servers, err
}

func (c *Client) CreateGroup(ctx context.Context, name string, creator int64) (int64, error) {
	var rep GroupCreateReply
	err := c.post(ctx, "/group/create", GroupCreateRequest{Name: name, Creator: creator}, &rep)
	return rep.GroupID, err
}

func (c *Client) JoinGroup(ctx context.Context, groupID, userID int64) error {
	var rep reply
	return c.post(ctx, "/group/join", GroupMemberRequest{GroupID: groupID, UserID: userID}, &rep)
}

func (c *Client) LeaveGroup(ctx context.Context, groupID, userID int64) error {
	var rep reply
	return c.post(ctx, "/group/leave", GroupMemberRequest{GroupID: groupID, UserID: userID}, &rep)
}

func (c *Client) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	var rep MembersReply
	err := c.get(ctx, "/group/members", url.Values{"groupId": {strconv.FormatInt(groupID, 10)}}, &rep)
	return rep.Members, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out coded) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

func (c *Client) post(ctx context.Context, path string, in interface{}, out coded) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", errs.ErrInternal, path, err)
	}
	return c.do(ctx, http.MethodPost, c.base+path, body, out)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out coded) error {
	ctx, cancel := withWriteBudget(ctx, body)
	defer cancel()

	resp, err := c.send(ctx, method, u, body)
	if err != nil && isDialError(err) && ctx.Err() == nil {
		// the request never left, one retry is safe
		resp, err = c.send(ctx, method, u, body)
	}
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(ctx, err)
		}
		return fmt.Errorf("%w: %s %s: status %d: %v", errs.ErrInternal, method, u, resp.StatusCode, err)
	}
	rep := out.result()
	if rep.Code != errs.CodeOK {
		base := errs.FromCode(rep.Code, "")
		return errs.FromCode(rep.Code, strings.TrimPrefix(rep.Msg, base.Error()+": "))
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// withWriteBudget bounds a call without its own deadline by the connect,
// write and read timeouts together.
func withWriteBudget(ctx context.Context, body []byte) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, connectTimeout+writeTimeout+readTimeout)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", errs.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", errs.ErrInternal, err)
}
