package context

import "context"

type ContextKey string

var (
	RequestIDKey  = ContextKey("X-Request-Id")
	MethodKey     = ContextKey("X-Method")
	RouteKey      = ContextKey("X-Route")
	RemoteIPKey   = ContextKey("X-Remote-Ip")
	UserIDKey     = ContextKey("X-User-Id")
	DatasetKeyKey = ContextKey("X-Dataset-Key")
	AttemptKey    = ContextKey("X-Import-Attempt")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, ok := ctx.Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	value, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	value, ok := ctx.Value(MethodKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	value, ok := ctx.Value(RouteKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	value, ok := ctx.Value(RemoteIPKey).(string)
	if !ok {
		return ""
	}
	return value
}

// SetDatasetKey tags the context with the dataset an import job is working on.
func SetDatasetKey(ctx context.Context, datasetKey int) context.Context {
	return context.WithValue(ctx, DatasetKeyKey, datasetKey)
}

// GetDatasetKey returns the dataset key or 0 when the context is not bound to an import.
func GetDatasetKey(ctx context.Context) int {
	value, ok := ctx.Value(DatasetKeyKey).(int)
	if !ok {
		return 0
	}
	return value
}

func SetAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, AttemptKey, attempt)
}

func GetAttempt(ctx context.Context) int {
	value, ok := ctx.Value(AttemptKey).(int)
	if !ok {
		return 0
	}
	return value
}
