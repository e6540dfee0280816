package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/gridcast/pkg/api"
	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// Client calls a remote Forecaster service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Forecast requests a forecast and decodes the result.
func (c *Client) Forecast(ctx context.Context, req api.ForecastRequest, opts ...grpc.CallOption) (*ensemble.Result, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ForecastMethod, in, out, opts...); err != nil {
		return nil, err
	}

	var res ensemble.Result
	if err := fromStruct(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
