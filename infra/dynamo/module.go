// Package dynamo provides the durable-table client.
package dynamo

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/fx"

	"github.com/wavechat/msg-delivery-service/config"
)

func NewClient(ctx context.Context, cfg config.Dynamo) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

var Module = fx.Module("dynamo",
	fx.Provide(
		func(cfg *config.Config) (*dynamodb.Client, error) {
			return NewClient(context.Background(), cfg.Dynamo)
		},
	),
)
