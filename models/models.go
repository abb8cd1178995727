package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

type User struct {
	ID     int64
	Name   string
	Secret string // bcrypt hash
}

type Group struct {
	ID      int64
	Name    string
	Creator int64
	Members []int64
}

// ServerNode is a relay as known to the route service.
type ServerNode struct {
	ID           int64  `json:"serverId"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	SessionCount int    `json:"load"`
}

func (n ServerNode) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n ServerNode) String() string {
	return fmt.Sprintf("relay-%d(%s)", n.ID, n.Addr())
}

// RouteEntry binds an online user to the relay owning its session.
type RouteEntry struct {
	UserID     int64
	UserName   string
	ServerID   int64
	AssignedAt time.Time
	Bound      bool
}

type OnlineUser struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}
