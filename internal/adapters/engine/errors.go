package engine

import (
	"errors"

	"github.com/eleven-am/weft/internal/domain"
)

func errorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	attrs := []any{
		"error", err,
		"error_permanent", domain.IsPermanent(err),
	}

	var handlerErr *domain.HandlerError
	if errors.As(err, &handlerErr) {
		attrs = append(attrs,
			"node_id", handlerErr.NodeID,
			"operation", handlerErr.Operation,
		)
	}

	var domainErr domain.Error
	if errors.As(err, &domainErr) {
		attrs = append(attrs, "error_type", string(domainErr.Type))
		if len(domainErr.Details) > 0 {
			attrs = append(attrs, "error_details", domainErr.Details)
		}
	}

	return attrs
}
