package rpc

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
)

// Metadata keys carrying the authenticated principal between services.
const (
	userIDHeader = "x-loom-user-id"
	staffHeader  = "x-loom-staff"
)

// WithPrincipal attaches the caller identity to an outgoing call.
func WithPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return metadata.AppendToOutgoingContext(ctx,
		userIDHeader, p.ID.String(),
		staffHeader, strconv.FormatBool(p.IsStaff),
	)
}

// PrincipalFromContext reads the caller identity a client attached.
// Calls without one are refused: every internal RPC acts on behalf of
// an authenticated user.
func PrincipalFromContext(ctx context.Context) (identity.Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return identity.Principal{}, errkind.Permission("missing caller identity")
	}

	vals := md.Get(userIDHeader)
	if len(vals) == 0 || vals[0] == "" {
		return identity.Principal{}, errkind.Permission("missing caller identity")
	}
	id, err := uuid.Parse(vals[0])
	if err != nil {
		return identity.Principal{}, errkind.Permission("malformed caller identity")
	}

	staff := false
	if sv := md.Get(staffHeader); len(sv) > 0 {
		staff, _ = strconv.ParseBool(sv[0])
	}
	return identity.Principal{ID: id, IsStaff: staff}, nil
}
