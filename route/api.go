package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"cim/errs"
	"cim/logger"
)

// API exposes a Registry over HTTP.
type API struct {
	reg    *Registry
	router *mux.Router
	log    logr.Logger
}

func NewAPI(reg *Registry) *API {
	a := &API{
		reg:    reg,
		router: mux.NewRouter(),
		log:    logger.GetLogger().WithName("route-api"),
	}

	a.router.HandleFunc("/registry/register", a.handleRegister).Methods(http.MethodPost)
	a.router.HandleFunc("/registry/login", a.handleLogin).Methods(http.MethodPost)
	a.router.HandleFunc("/registry/lookup", a.handleLookup).Methods(http.MethodGet)
	a.router.HandleFunc("/registry/online", a.handleOnline).Methods(http.MethodGet)
	a.router.HandleFunc("/registry/search", a.handleSearch).Methods(http.MethodGet)
	a.router.HandleFunc("/registry/offline", a.handleOffline).Methods(http.MethodPost)
	a.router.HandleFunc("/server/register", a.handleServerRegister).Methods(http.MethodPost)
	a.router.HandleFunc("/server/heartbeat", a.handleServerHeartbeat).Methods(http.MethodPost)
	a.router.HandleFunc("/server/list", a.handleServerList).Methods(http.MethodGet)
	a.router.HandleFunc("/group/create", a.handleGroupCreate).Methods(http.MethodPost)
	a.router.HandleFunc("/group/join", a.handleGroupJoin).Methods(http.MethodPost)
	a.router.HandleFunc("/group/leave", a.handleGroupLeave).Methods(http.MethodPost)
	a.router.HandleFunc("/group/members", a.handleGroupMembers).Methods(http.MethodGet)
	a.router.Handle("/metrics", MetricsHandler())
	a.router.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Serve runs the API on addr until ctx is done.
func (a *API) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.ServeListener(ctx, l)
}

func (a *API) ServeListener(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:      a,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("Started registry API", "listen", l.Addr().String())
	if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *API) write(w http.ResponseWriter, r *http.Request, body interface{}, err error) {
	code := errs.Code(err)
	routeRequests.WithLabelValues(r.URL.Path, strconv.Itoa(code)).Inc()
	if err != nil {
		if code == errs.CodeInternal {
			a.log.Error(err, "request failed", "path", r.URL.Path)
		} else {
			a.log.V(1).Info("request refused", "path", r.URL.Path, "code", code, "reason", err.Error())
		}
		body = reply{Code: code, Msg: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	if code == errs.CodeMalformedFrame {
		w.WriteHeader(http.StatusBadRequest)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error(err, "error writing reply", "path", r.URL.Path)
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformedFrame, err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: query %s: %v", errs.ErrMalformedFrame, key, err)
	}
	return v, nil
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	id, err := a.reg.RegisterUser(req.UserName, req.Secret)
	a.write(w, r, RegisterReply{UserID: id}, err)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	as, err := a.reg.Login(req.UserName, req.Secret, req.Exclude...)
	a.write(w, r, LoginReply{
		UserID:   as.UserID,
		Host:     as.Server.Host,
		Port:     as.Server.Port,
		ServerID: as.Server.ID,
		Token:    as.Token,
	}, err)
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	uid, err := queryInt(r, "userId")
	if err != nil {
		a.write(w, r, nil, err)
		return
	}
	node, err := a.reg.Lookup(uid)
	a.write(w, r, LookupReply{Host: node.Host, Port: node.Port, ServerID: node.ID}, err)
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, UsersReply{Users: a.reg.OnlineUsers()}, nil)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	users, err := a.reg.SearchUsers(r.URL.Query().Get("q"))
	a.write(w, r, UsersReply{Users: users}, err)
}

func (a *API) handleOffline(w http.ResponseWriter, r *http.Request) {
	var req OfflineRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	a.write(w, r, reply{}, a.reg.Offline(req.UserID, req.ServerID))
}

func (a *API) handleServerRegister(w http.ResponseWriter, r *http.Request) {
	var req ServerRegisterRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	id, err := a.reg.RegisterServer(req.Host, req.Port, req.ServerID)
	a.write(w, r, ServerRegisterReply{ServerID: id}, err)
}

func (a *API) handleServerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	pending, revoked, err := a.reg.HeartbeatServer(req.ServerID, req.Load, req.Users)
	a.write(w, r, HeartbeatReply{Pending: pending, Revoked: revoked}, err)
}

func (a *API) handleServerList(w http.ResponseWriter, r *http.Request) {
	a.write(w, r, ServersReply{Servers: a.reg.Servers()}, nil)
}

func (a *API) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var req GroupCreateRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	id, err := a.reg.CreateGroup(req.Name, req.Creator)
	a.write(w, r, GroupCreateReply{GroupID: id}, err)
}

func (a *API) handleGroupJoin(w http.ResponseWriter, r *http.Request) {
	var req GroupMemberRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	a.write(w, r, reply{}, a.reg.JoinGroup(req.GroupID, req.UserID))
}

func (a *API) handleGroupLeave(w http.ResponseWriter, r *http.Request) {
	var req GroupMemberRequest
	if err := decode(r, &req); err != nil {
		a.write(w, r, nil, err)
		return
	}
	a.write(w, r, reply{}, a.reg.LeaveGroup(req.GroupID, req.UserID))
}

func (a *API) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	gid, err := queryInt(r, "groupId")
	if err != nil {
		a.write(w, r, nil, err)
		return
	}
	members, err := a.reg.GroupMembers(gid)
	a.write(w, r, MembersReply{Members: members}, err)
}
