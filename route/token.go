package route

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pborman/uuid"

	"cim/errs"
)

const peerTokenPrefix = "relay:"

var errorTokenClaimsInvalid = fmt.Errorf("token claims invalid: must have uid or peer")

type authToken struct {
	UID  int64 `json:"uid,omitempty"`
	SID  int64 `json:"sid"`
	Peer bool  `json:"peer,omitempty"`
	*jwt.StandardClaims
}

func (t *authToken) Valid() error {
	if t.UID == 0 && !t.Peer {
		return errorTokenClaimsInvalid
	}
	if t.StandardClaims != nil {
		return t.StandardClaims.Valid()
	}
	return nil
}

// Tokens issues and checks the credentials presented in LOGIN frames. With
// an empty key, user tokens are the decimal userId and peer tokens are
// "relay:<serverId>".
type Tokens struct {
	key []byte
	ttl time.Duration
}

func NewTokens(key string, ttl time.Duration) *Tokens {
	t := &Tokens{ttl: ttl}
	if key != "" {
		t.key = []byte(key)
	}
	return t
}

func (t *Tokens) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return t.key, nil
}

func (t *Tokens) sign(claims *authToken) (string, error) {
	now := time.Now()
	claims.StandardClaims = &jwt.StandardClaims{
		Id:       uuid.New(),
		IssuedAt: now.Unix(),
	}
	if t.ttl > 0 {
		claims.StandardClaims.ExpiresAt = now.Add(t.ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// Issue returns the login token for userID assigned to serverID.
func (t *Tokens) Issue(userID, serverID int64) (string, error) {
	if t.key == nil {
		return strconv.FormatInt(userID, 10), nil
	}
	return t.sign(&authToken{UID: userID, SID: serverID})
}

// Signed reports whether tokens carry an HMAC signature. Unsigned tokens
// prove nothing by themselves.
func (t *Tokens) Signed() bool {
	return t.key != nil
}

// IssuePeer returns the token a relay presents when it links to another relay.
func (t *Tokens) IssuePeer(serverID int64) (string, error) {
	if t.key == nil {
		return peerTokenPrefix + strconv.FormatInt(serverID, 10), nil
	}
	return t.sign(&authToken{SID: serverID, Peer: true})
}

// Claims is what a verified token asserts.
type Claims struct {
	UserID   int64
	ServerID int64
	Peer     bool
}

// Verify checks token as presented in a LOGIN frame with the given
// requestId. A user token must name requestID.
func (t *Tokens) Verify(token string, requestID int64) (Claims, error) {
	var c Claims
	if t.key == nil {
		if strings.HasPrefix(token, peerTokenPrefix) {
			sid, err := strconv.ParseInt(strings.TrimPrefix(token, peerTokenPrefix), 10, 64)
			if err != nil {
				return c, fmt.Errorf("%w: bad peer token", errs.ErrAuthFailed)
			}
			return Claims{ServerID: sid, Peer: true}, nil
		}
		uid, err := strconv.ParseInt(token, 10, 64)
		if err != nil || uid != requestID {
			return c, fmt.Errorf("%w: token does not match user %d", errs.ErrAuthFailed, requestID)
		}
		return Claims{UserID: uid}, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &authToken{}, t.keyFunc)
	if err != nil {
		return c, fmt.Errorf("%w: %v", errs.ErrAuthFailed, err)
	}
	claims := parsed.Claims.(*authToken)
	if claims.Peer {
		return Claims{ServerID: claims.SID, Peer: true}, nil
	}
	if claims.UID != requestID {
		return c, fmt.Errorf("%w: token does not match user %d", errs.ErrAuthFailed, requestID)
	}
	return Claims{UserID: claims.UID, ServerID: claims.SID}, nil
}
