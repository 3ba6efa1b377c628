package market

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/policy"
)

// RoleOperator is the token role of marketplace staff. Operators act as the
// system actor.
const RoleOperator = "operator"

type contextKey string

const contextKeyActor contextKey = "market.actor"

// Authenticator validates HMAC-signed bearer tokens issued elsewhere. The
// subject claim is the account ID and the role claim one of buyer, seller or
// operator.
type Authenticator struct {
	secret []byte
	leeway time.Duration
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(strings.TrimSpace(secret)), leeway: 2 * time.Minute}
}

// Middleware rejects requests without a valid token and stores the actor in
// the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.Authenticate(r)
		if err != nil {
			slog.Debug("auth rejected", "path", r.URL.Path, "err", err)
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// Authenticate resolves the actor from the Authorization header, or from the
// token query parameter for WebSocket clients that cannot set headers.
func (a *Authenticator) Authenticate(r *http.Request) (policy.Actor, error) {
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return policy.Actor{}, errors.New("missing bearer token")
	}
	return a.parse(raw)
}

func (a *Authenticator) parse(raw string) (policy.Actor, error) {
	if len(a.secret) == 0 {
		return policy.Actor{}, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return policy.Actor{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return policy.Actor{}, errors.New("claims not map")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return policy.Actor{}, errors.New("missing subject")
	}
	role, _ := claims["role"].(string)
	switch role {
	case string(model.RoleBuyer), string(model.RoleSeller):
		return policy.Actor{ID: sub, Role: model.Role(role)}, nil
	case RoleOperator:
		return policy.Actor{ID: sub, Role: model.RoleSystem}, nil
	default:
		return policy.Actor{}, errors.New("unknown role")
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor policy.Actor) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// ActorFrom returns the authenticated actor.
func ActorFrom(ctx context.Context) (policy.Actor, bool) {
	actor, ok := ctx.Value(contextKeyActor).(policy.Actor)
	return actor, ok
}

// RequireOperator allows only operator tokens through.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok || !actor.IsSystem() {
			writeErrorCode(w, http.StatusForbidden, CodeForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
