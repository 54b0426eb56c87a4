package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loomery/loom/pkg/errkind"
)

// toStatusError converts a handler error into a gRPC status so the
// caller can recover the kind on its side of the wire.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var code codes.Code
	switch errkind.KindOf(err) {
	case errkind.KindNotFound:
		code = codes.NotFound
	case errkind.KindPermission:
		code = codes.PermissionDenied
	case errkind.KindValidation:
		code = codes.InvalidArgument
	case errkind.KindConflict:
		code = codes.FailedPrecondition
	case errkind.KindUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatusError converts a call error back into the error kinds the
// services speak. Transport-level failures come back as unavailable so
// callers treat them as retryable.
func fromStatusError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return errkind.Unavailable("rpc transport: %v", err)
	}

	switch st.Code() {
	case codes.OK:
		return nil
	case codes.NotFound:
		return errkind.NotFound("%s", st.Message())
	case codes.PermissionDenied:
		return errkind.Permission("%s", st.Message())
	case codes.InvalidArgument:
		return errkind.Validation("%s", st.Message())
	case codes.FailedPrecondition, codes.Aborted, codes.AlreadyExists:
		return errkind.Conflict("%s", st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return errkind.Unavailable("%s", st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return errkind.Internal("%s", st.Message())
	}
}

// transportFailure reports whether an error should count against the
// circuit breaker. Domain answers like not-found are healthy responses.
func transportFailure(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unknown, codes.Internal:
		return true
	default:
		return false
	}
}
