package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexai-io/contract-intel/internal/httpapi"
	"github.com/lexai-io/contract-intel/internal/scheduler"
	"github.com/lexai-io/contract-intel/internal/ws"
)

// devTokenAuthenticator is a placeholder for the external identity
// provider (§1 non-goals: "authentication/authorization... assumed to
// exist"). It decodes a bearer token of the form
// "userID:tenantID[:role[:plan]]" into a Principal so the API and WebSocket
// processes have something to run against (the plan segment is accepted
// and ignored here); a real deployment replaces this with a JWT/OIDC
// verifier in front of WithPrincipal and ws.Authenticator.
type devTokenAuthenticator struct{}

func (devTokenAuthenticator) Authenticate(token string) (ws.Principal, error) {
	parts := strings.SplitN(token, ":", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ws.Principal{}, fmt.Errorf("malformed bearer token")
	}
	role := ""
	if len(parts) >= 3 {
		role = parts[2]
	}
	return ws.Principal{UserID: parts[0], TenantID: parts[1], Role: role}, nil
}

// principalHeaderMiddleware attaches an httpapi.Principal derived from
// the same "userID:tenantID[:role[:plan]]" bearer scheme devTokenAuthenticator
// uses, so the HTTP and WebSocket boundaries agree on identity until a
// real auth layer is wired in.
func principalHeaderMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			parts := strings.SplitN(token, ":", 4)
			if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
				next.ServeHTTP(w, r)
				return
			}
			p := httpapi.Principal{UserID: parts[0], TenantID: parts[1], Plan: "free"}
			if len(parts) >= 3 {
				p.Role = parts[2]
			}
			if len(parts) == 4 {
				p.Plan = parts[3]
			}
			next.ServeHTTP(w, r.WithContext(httpapi.WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// noopMailer drops notification emails and logs them. Placeholder for
// the external mail-transport collaborator (§9 non-goals).
type noopMailer struct{ log zerolog.Logger }

func (m noopMailer) Send(ctx context.Context, to, subject, body string) error {
	m.log.Info().Str("to", to).Str("subject", subject).Msg("dispatch: mailer not configured, dropping notification")
	return nil
}

// noopAuditLogger drops audit entries and logs them. Placeholder for the
// external audit sink (§9 non-goals).
type noopAuditLogger struct{ log zerolog.Logger }

func (a noopAuditLogger) Log(ctx context.Context, tenantID, action, detail string) error {
	a.log.Info().Str("tenantId", tenantID).Str("action", action).Msg("dispatch: audit sink not configured, dropping entry")
	return nil
}

// singleMemberDirectory resolves every tenant to one member derived from
// the dev token scheme's "tenantID" segment, so the alert worker has
// someone to notify in the absence of a real membership service (§9
// non-goals: tenant/user directory is external).
type singleMemberDirectory struct{}

func (singleMemberDirectory) Members(ctx context.Context, tenantID string) ([]scheduler.Member, error) {
	return []scheduler.Member{{UserID: "owner", Email: tenantID + "@tenants.invalid"}}, nil
}
