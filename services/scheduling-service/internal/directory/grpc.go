package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/careloop-health/careslot/libs/grpcx"
)

const getProviderMethod = "/careslot.directory.v1.ProviderDirectory/GetProvider"

// Request and response mirror the directory service's wire contract. Calls go
// over the grpcx JSON codec, so no generated bindings live in this repo.
type getProviderRequest struct {
	ProviderID string `json:"provider_id"`
}

type getProviderResponse struct {
	ProviderID         string `json:"provider_id"`
	Role               string `json:"role"`
	DisplayName        string `json:"display_name"`
	Email              string `json:"email"`
	IsVerified         bool   `json:"is_verified"`
	VerificationStatus string `json:"verification_status"`
	IsActive           bool   `json:"is_active"`
}

type grpcDirectory struct {
	conn *grpc.ClientConn
}

// NewRemoteDirectory dials the standalone directory service. On dial failure
// it falls back to the local table rather than refusing to start.
func NewRemoteDirectory(logger *slog.Logger, local Directory, addr string) (Directory, error) {
	if addr == "" {
		return local, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("directory grpc unavailable, using local table", "err", err)
		return local, nil
	}

	logger.Info("remote provider directory enabled", "addr", addr)
	return &grpcDirectory{conn: conn}, nil
}

func (d *grpcDirectory) FindProvider(ctx context.Context, id uuid.UUID) (Provider, error) {
	req := getProviderRequest{ProviderID: id.String()}
	var resp getProviderResponse
	err := d.conn.Invoke(ctx, getProviderMethod, &req, &resp, grpc.CallContentSubtype(grpcx.JSONCodecName))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Provider{}, ErrProviderNotFound
		}
		return Provider{}, err
	}
	pid, err := uuid.Parse(resp.ProviderID)
	if err != nil {
		return Provider{}, err
	}
	return Provider{
		ID:                 pid,
		Role:               resp.Role,
		DisplayName:        resp.DisplayName,
		Email:              resp.Email,
		IsVerified:         resp.IsVerified,
		VerificationStatus: VerificationStatus(resp.VerificationStatus),
		IsActive:           resp.IsActive,
	}, nil
}
