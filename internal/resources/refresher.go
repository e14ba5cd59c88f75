package resources

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/backoffice-sync/internal/auth"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/executor"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// HTTPRefresher exchanges a refresh token at POST /auth/refresh. exec must be
// the plain executor: a refresh call never refreshes or retries itself.
func HTTPRefresher(exec executor.Interface, clk clockwork.Clock) auth.RefreshFunc {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return func(ctx context.Context, refreshToken string) (auth.Session, error) {
		resp, err := exec.Execute(ctx, executor.Request{
			Method:                http.MethodPost,
			Path:                  "/auth/refresh",
			Body:                  refreshRequest{RefreshToken: refreshToken},
			SkipAuth:              true,
			SkipErrorNotification: true,
		})
		if err != nil {
			return auth.Session{}, err
		}
		var out refreshResponse
		if err := resp.Decode(&out); err != nil {
			return auth.Session{}, err
		}
		if out.AccessToken == "" {
			return auth.Session{}, errors.New("refresh response without access token")
		}
		s := auth.Session{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
		if out.ExpiresIn > 0 {
			s.ExpiresAt = clk.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		}
		return s, nil
	}
}
