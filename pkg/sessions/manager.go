package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/gomodule/redigo/redis"

	"blog/pkg/identity"
	"blog/pkg/logger"
)

const (
	redisNS = "blogSessions"

	// Sessions expiring sooner than this are extended by sessionTTL.
	prolongThreshold = 24 * time.Hour
	sessionTTL       = 90 * 24 * time.Hour
)

type (
	// RedisPool is satisfied by *redis.Pool.
	RedisPool interface {
		Get() redis.Conn
	}

	SessionManager struct {
		secret []byte
		redis  RedisPool
		now    func() time.Time
	}

	tokenUser struct {
		Id    string          `json:"id"`
		Email string          `json:"email"`
		Roles []identity.Role `json:"roles"`
	}

	jwtClaims struct {
		User tokenUser `json:"user"`
		jwt.StandardClaims
	}
)

var (
	ErrNoAuth         = errors.New("sessions: auth header not found")
	ErrSessionExpired = errors.New("sessions: session has been expired")
)

func NewSessionManager(secret string, pool RedisPool) *SessionManager {
	return &SessionManager{
		secret: []byte(secret),
		redis:  pool,
		now:    time.Now,
	}
}

func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(addr)
		},
	}
}

// UserFromToken returns the identity from the JWT in the Authorization header
// if the token is valid and its session is still alive in Redis.
func (sm *SessionManager) UserFromToken(ctx context.Context, authHeader string) (*identity.Identity, error) {
	if authHeader == "" {
		return nil, ErrNoAuth
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("sessions: unexpected signing method %v", token.Header["alg"])
			}
			return sm.secret, nil
		})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok {
		return nil, errors.New("sessions: can't cast token to claim")
	}
	if !token.Valid {
		return nil, errors.New("sessions: token is not valid")
	}
	if claims.User.Id == "" {
		return nil, errors.New("sessions: token has no user")
	}

	if err := sm.CheckRedis(ctx, claims.User.Id, claims.Id); err != nil {
		return nil, fmt.Errorf("sessions/manager: Redis session is not valid: %w", err)
	}

	return &identity.Identity{
		UserId: claims.User.Id,
		Email:  claims.User.Email,
		Roles:  claims.User.Roles,
	}, nil
}

func sessionsKey(userId string) string {
	return redisNS + ":" + userId
}

// CheckRedis verifies that the session is known and not expired.
// Sessions close to expiration are prolonged so active users stay logged in.
func (sm *SessionManager) CheckRedis(ctx context.Context, userId, sessionId string) error {
	conn := sm.redis.Get()
	defer conn.Close()

	expirationData, err := redis.Bytes(conn.Do("HGET", sessionsKey(userId), sessionId))
	if err != nil {
		logger.Log(ctx).Warnf("sessions/manager: can't HGET from Redis: %v", err)
		return err
	}

	expiredTs, err := strconv.ParseInt(string(expirationData), 10, 64)
	if err != nil {
		return fmt.Errorf("sessions/manager: bad expiration %q: %w", expirationData, err)
	}
	nowTs := sm.now().Unix()
	if nowTs > expiredTs {
		return ErrSessionExpired
	}

	if expiredTs-nowTs < int64(prolongThreshold.Seconds()) {
		newExpDate := sm.now().Add(sessionTTL).Unix()
		if _, err := conn.Do("HSET", sessionsKey(userId), sessionId, newExpDate); err != nil {
			logger.Log(ctx).Errorf("sessions/manager: failed HSET to Redis: %v", err)
			return err
		}
		logger.Log(ctx).Debugf("sessions/manager: session %s of %s prolonged", sessionId, userId)
	}

	return nil
}
