package route

import "cim/models"

// JSON bodies of the registry HTTP API. Every reply carries Code, 0 on
// success, and Msg with the error text otherwise.

type reply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

type CredentialsRequest struct {
	UserName string `json:"userName"`
	Secret   string `json:"secret"`
	// Exclude names relays the caller could not reach. Login only.
	Exclude []int64 `json:"exclude,omitempty"`
}

type RegisterReply struct {
	reply
	UserID int64 `json:"userId"`
}

type LoginReply struct {
	reply
	UserID   int64  `json:"userId"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ServerID int64  `json:"serverId"`
	Token    string `json:"token"`
}

type LookupReply struct {
	reply
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ServerID int64  `json:"serverId"`
}

type UsersReply struct {
	reply
	Users []models.OnlineUser `json:"users"`
}

type OfflineRequest struct {
	UserID   int64 `json:"userId"`
	ServerID int64 `json:"serverId"`
}

type ServerRegisterRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ServerID int64  `json:"serverId,omitempty"`
}

type ServerRegisterReply struct {
	reply
	ServerID int64 `json:"serverId"`
}

type ServersReply struct {
	reply
	Servers []models.ServerNode `json:"servers"`
}

type HeartbeatRequest struct {
	ServerID int64   `json:"serverId"`
	Load     int     `json:"load"`
	Users    []int64 `json:"users,omitempty"`
}

type HeartbeatReply struct {
	reply
	Pending []Pending `json:"pending,omitempty"`
	Revoked []int64   `json:"revoked,omitempty"`
}

type GroupCreateRequest struct {
	Name    string `json:"name"`
	Creator int64  `json:"creator"`
}

type GroupCreateReply struct {
	reply
	GroupID int64 `json:"groupId"`
}

type GroupMemberRequest struct {
	GroupID int64 `json:"groupId"`
	UserID  int64 `json:"userId"`
}

type MembersReply struct {
	reply
	Members []int64 `json:"members"`
}

// coded is implemented by every reply body through the embedded reply.
type coded interface {
	result() reply
}

func (r reply) result() reply { return r }
