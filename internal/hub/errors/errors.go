package errors

import sterrors "errors"

var (
	ErrUnknownNamespace  = sterrors.New("lineagehub: unknown namespace")
	ErrQuotaExceeded     = sterrors.New("lineagehub: daily event quota exceeded")
	ErrNamespaceExists   = sterrors.New("lineagehub: namespace already exists")
	ErrInvalidNamespace  = sterrors.New("lineagehub: invalid namespace name")
	ErrPublisherRequired = sterrors.New("lineagehub: publisher is required")
	ErrTopicRequired     = sterrors.New("lineagehub: topic is required")
	ErrEnvelopeRequired  = sterrors.New("lineagehub: envelope is required")
	ErrTenantRequired    = sterrors.New("lineagehub: envelope requires a tenant namespace")
	ErrStoreRequired     = sterrors.New("lineagehub: downstream store is required")
	ErrSourceRequired    = sterrors.New("lineagehub: record source is required")
)
