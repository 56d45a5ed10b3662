package apiv1

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/infra/logging"
)

// ActorClaims is the bearer token payload issued by the marketplace identity service.
type ActorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Mint issues a token for actor. Used by tooling and tests.
func (a *Authenticator) Mint(actor model.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   actor.ID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(tok string) (model.Actor, error) {
	claims := &ActorClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tkn.Valid {
		return model.Actor{}, errors.New("invalid token")
	}
	actor := model.Actor{ID: claims.Subject, Role: model.Role(claims.Role)}
	// system is reserved for background jobs
	if actor.ID == "" || !actor.Role.Valid() || actor.Role == model.RoleSystem {
		return model.Actor{}, errors.New("invalid actor claims")
	}
	return actor, nil
}

type actorKey struct{}

func withActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(model.Actor)
	return a, ok
}

// RequireActor rejects requests without a valid bearer token.
func (a *Authenticator) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		actor, err := a.parse(strings.TrimSpace(hdr[7:]))
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		ctx := withActor(r.Context(), actor)
		ctx = logging.WithActor(ctx, actor.ID, string(actor.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole answers 403 unless the actor has one of roles.
func requireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, _ := actorFrom(r.Context())
			for _, role := range roles {
				if a.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeProblem(w, http.StatusForbidden, "forbidden", "role not allowed", nil)
		})
	}
}
