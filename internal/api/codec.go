package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/transport"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// decode copies a Struct into a JSON-tagged Go value.
func decode(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// encode turns a JSON-tagged Go value into a Struct.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

func badRequest(err error) error {
	return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	var verr *transport.ValidationError
	switch {
	case errors.As(err, &verr):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, transport.ErrPermissionDenied):
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
