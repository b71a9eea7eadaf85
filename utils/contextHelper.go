package utils

import (
	"context"

	"bitbucket.org/inklinehq/capture_backend/appctx"
)

var (
	ContextKeyBusinessId    = appctx.ContextKeyBusinessId
	ContextKeyApiKeyId      = appctx.ContextKeyApiKeyId
	ContextKeyReviewer      = appctx.ContextKeyReviewer
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetBusinessIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBusinessId)
}

func GetApiKeyIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyApiKeyId)
}

func GetReviewerFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyReviewer)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetBusinessIdInContext(ctx context.Context, businessId string) context.Context {
	return appctx.Set(ctx, ContextKeyBusinessId, businessId)
}

func SetApiKeyIdInContext(ctx context.Context, apiKeyId int) context.Context {
	return appctx.Set(ctx, ContextKeyApiKeyId, apiKeyId)
}

func SetReviewerInContext(ctx context.Context, reviewer string) context.Context {
	return appctx.Set(ctx, ContextKeyReviewer, reviewer)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
