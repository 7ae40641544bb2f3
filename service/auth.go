package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/TallyWorks/tally/config"
)

const identityCacheTTL = 5 * time.Minute

var ErrUnknownToken = errors.New("unknown token")

// Identity is what the authentication collaborator resolves a token to.
type Identity struct {
	UserID string
	Admin  bool
}

// TokenResolver is the boundary to the authentication service. The default
// implementation reads the config's user table; a deployment can swap in a
// resolver backed by the main application's session store.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

type configTokenResolver struct {
	byToken map[string]Identity
}

// NewConfigTokenResolver builds a resolver over the tokens declared in the
// service config.
func NewConfigTokenResolver(users map[string]config.User) TokenResolver {
	byToken := make(map[string]Identity, len(users))
	for userID, user := range users {
		byToken[user.Token] = Identity{UserID: userID, Admin: user.Admin}
	}
	return &configTokenResolver{byToken: byToken}
}

func (r *configTokenResolver) Resolve(_ context.Context, token string) (Identity, error) {
	id, ok := r.byToken[token]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	return id, nil
}

// requestToken pulls the bearer token from the Authorization header, falling
// back to the "token" query parameter which browser websocket clients must
// use since they cannot set headers on the upgrade request.
func requestToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "

	token := authHeader
	if strings.HasPrefix(authHeader, bearerPrefix) {
		token = strings.TrimPrefix(authHeader, bearerPrefix)
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token
}

// ValidateToken resolves the request to an identity. The root token derived
// from the instance secret short-circuits as an admin identity; everything
// else goes through the resolver behind a ttl cache so hot tokens stay off
// the resolver path.
func (s *Service) ValidateToken(r *http.Request) (Identity, bool) {
	token := requestToken(r)
	if token == "" {
		return Identity{}, false
	}

	if token == s.authToken {
		return Identity{Admin: true}, true
	}

	if item := s.identityCache.Get(token); item != nil {
		return item.Value(), true
	}

	id, err := s.resolver.Resolve(r.Context(), token)
	if err != nil {
		s.logger.Warn("token resolution failed", "remote_addr", r.RemoteAddr, "error", err)
		return Identity{}, false
	}

	s.identityCache.Set(token, id, identityCacheTTL)
	return id, true
}
