package auth

// Remote endpoint paths, relative to the configured API base URL.
const (
	RouteLogin    = "/auth/login"
	RouteRegister = "/auth/register"
	RouteProfile  = "/auth/profile"
	RouteRefresh  = "/auth/refresh"
	RouteLogout   = "/auth/logout"
)
