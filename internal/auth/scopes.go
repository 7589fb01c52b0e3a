package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopePipelinesRead  = "pipelines:read"
	ScopePipelinesWrite = "pipelines:write"
)

// AllScopes is what the API docs page requests when authorizing.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopePipelinesRead,
	ScopePipelinesWrite,
}
