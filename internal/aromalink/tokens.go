package aromalink

import (
	"context"

	"github.com/nerrad567/aromalink-core/internal/cloud"
)

// tokenSource feeds the push handshake from the REST session.
type tokenSource struct {
	auth *cloud.Authenticator
}

func (t tokenSource) Credentials(ctx context.Context) (string, string, error) {
	s, err := t.auth.Current(ctx)
	if err != nil {
		return "", "", err
	}
	return s.AccessToken, s.UserID, nil
}

// Renew drops the refused token and obtains a new one.
func (t tokenSource) Renew(ctx context.Context) error {
	t.auth.Invalidate()
	_, err := t.auth.Refresh(ctx)
	return err
}

func (t tokenSource) Adopt(token string) {
	t.auth.Adopt(token)
}
