package remote

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"encounterd/internal/ledger"
)

// DynamoConfig configures the DynamoDB store.
type DynamoConfig struct {
	// TableName holding interaction records, keyed by id.
	TableName string

	// Region overrides the ambient AWS region when set.
	Region string
}

// dynamoAPI is the slice of the DynamoDB client the store uses.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore pushes interactions into a DynamoDB table. Re-pushing an id
// overwrites an identical item, which keeps delivery duplicate-tolerant.
type DynamoStore struct {
	client dynamoAPI
	table  string
}

// dynamoInteraction is the table item shape.
type dynamoInteraction struct {
	ID                 string `dynamodbav:"id"`
	PartnerIDHash      string `dynamodbav:"partner_id_hash"`
	PartnerDisplayName string `dynamodbav:"partner_display_name"`
	RecordedAtNs       int64  `dynamodbav:"recorded_at_ns"`
}

// NewDynamoClient loads the ambient AWS configuration and builds a DynamoDB
// client.
func NewDynamoClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// NewDynamoStore creates a DynamoDB store over an existing client.
func NewDynamoStore(client dynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Name returns the backend name.
func (d *DynamoStore) Name() string {
	return "dynamodb"
}

// Push delivers a single interaction.
func (d *DynamoStore) Push(ctx context.Context, in ledger.Interaction) error {
	item, err := attributevalue.MarshalMap(toDynamo(in))
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put item in table '%s': %w", d.table, err)
	}
	return nil
}

// PushBatch delivers interactions in chunks of the BatchWriteItem limit.
// Items DynamoDB leaves unprocessed are reported as failed ids.
func (d *DynamoStore) PushBatch(ctx context.Context, ins []ledger.Interaction) ([]string, error) {
	const maxBatchSize = 25

	writeRequests := make([]types.WriteRequest, 0, len(ins))
	for _, in := range ins {
		item, err := attributevalue.MarshalMap(toDynamo(in))
		if err != nil {
			return nil, fmt.Errorf("marshal item: %w", err)
		}
		writeRequests = append(writeRequests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}

	var failed []string

	// Process requests in batches of 25
	for i := 0; i < len(writeRequests); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(writeRequests) {
			end = len(writeRequests)
		}

		output, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				d.table: writeRequests[i:end],
			},
		})
		if err != nil {
			return nil, fmt.Errorf("batch write to table '%s': %w", d.table, err)
		}

		failed = append(failed, unprocessedIDs(output.UnprocessedItems[d.table])...)
	}

	return failed, nil
}

// unprocessedIDs pulls interaction ids out of write requests DynamoDB
// bounced back.
func unprocessedIDs(requests []types.WriteRequest) []string {
	var ids []string
	for _, req := range requests {
		if req.PutRequest == nil {
			continue
		}
		if av, ok := req.PutRequest.Item["id"].(*types.AttributeValueMemberS); ok {
			ids = append(ids, av.Value)
		}
	}
	return ids
}

func toDynamo(in ledger.Interaction) dynamoInteraction {
	return dynamoInteraction{
		ID:                 in.ID,
		PartnerIDHash:      in.PartnerIDHash,
		PartnerDisplayName: in.PartnerDisplayName,
		RecordedAtNs:       in.RecordedAt.UnixNano(),
	}
}

var _ Store = (*DynamoStore)(nil)
