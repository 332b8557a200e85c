package constants

// Static route constants
const (
	PublicRoute = "/"
	HealthRoute = "/health"
	APIRoute    = "/api"

	AuthRoute     = APIRoute + "/auth"
	ClientsRoute  = APIRoute + "/clients"
	WebhooksRoute = APIRoute + "/webhooks"

	// Consent step the pre-register response points the caller to
	GoogleAuthRoute = AuthRoute + "/google"
	DocsRoute       = "/docs/api/v1"
)
