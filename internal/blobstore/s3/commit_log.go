package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samcharles93/sdvram/internal/blobstore"
)

// ErrInvalidCommit marks a commit item whose attributes do not parse.
var ErrInvalidCommit = errors.New("dynamodb: invalid commit item")

// DDBClient is the subset of *dynamodb.Client used by CommitLog.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitLog records finished exports in DynamoDB, one item per version.
//
// Table schema:
//   - Partition key: base_uri (S) - the export root, e.g. s3://bucket/prefix
//   - Sort key: version (N) - monotonically increasing
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name sdvram-exports \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitLog struct {
	client  DDBClient
	table   string
	baseURI string
	now     func() time.Time
}

func NewCommitLog(client DDBClient, table, baseURI string) *CommitLog {
	return &CommitLog{client: client, table: table, baseURI: baseURI, now: time.Now}
}

// Record appends c as the next version. A racing writer that claimed the
// same version first yields blobstore.ErrConcurrentCommit.
func (l *CommitLog) Record(ctx context.Context, c blobstore.Commit) (blobstore.Commit, error) {
	latest, _, err := l.Latest(ctx)
	if err != nil {
		return blobstore.Commit{}, err
	}
	c.Version = latest.Version + 1
	c.Root = l.baseURI
	if c.CommittedAt.IsZero() {
		c.CommittedAt = l.now().UTC()
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			"base_uri":     &types.AttributeValueMemberS{Value: l.baseURI},
			"version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(c.Version, 10)},
			"run_id":       &types.AttributeValueMemberS{Value: c.RunID},
			"manifest":     &types.AttributeValueMemberS{Value: c.Manifest},
			"entries":      &types.AttributeValueMemberN{Value: strconv.Itoa(c.Entries)},
			"artifacts":    &types.AttributeValueMemberN{Value: strconv.Itoa(c.Artifacts)},
			"bytes":        &types.AttributeValueMemberN{Value: strconv.FormatInt(c.Bytes, 10)},
			"committed_at": &types.AttributeValueMemberS{Value: c.CommittedAt.Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.Commit{}, blobstore.ErrConcurrentCommit
		}
		return blobstore.Commit{}, fmt.Errorf("dynamodb: record commit: %w", err)
	}
	return c, nil
}

func (l *CommitLog) Latest(ctx context.Context) (blobstore.Commit, bool, error) {
	resp, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(l.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: l.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return blobstore.Commit{}, false, fmt.Errorf("dynamodb: query commits: %w", err)
	}
	if len(resp.Items) == 0 {
		return blobstore.Commit{}, false, nil
	}
	c, err := decodeCommit(resp.Items[0])
	if err != nil {
		return blobstore.Commit{}, false, err
	}
	return c, true, nil
}

func decodeCommit(item map[string]types.AttributeValue) (blobstore.Commit, error) {
	c := blobstore.Commit{
		Root:     str(item, "base_uri"),
		RunID:    str(item, "run_id"),
		Manifest: str(item, "manifest"),
	}
	var err error
	if c.Version, err = strconv.ParseUint(num(item, "version"), 10, 64); err != nil {
		return blobstore.Commit{}, fmt.Errorf("%w: version: %w", ErrInvalidCommit, err)
	}
	if c.Entries, err = strconv.Atoi(num(item, "entries")); err != nil {
		return blobstore.Commit{}, fmt.Errorf("%w: entries: %w", ErrInvalidCommit, err)
	}
	if c.Artifacts, err = strconv.Atoi(num(item, "artifacts")); err != nil {
		return blobstore.Commit{}, fmt.Errorf("%w: artifacts: %w", ErrInvalidCommit, err)
	}
	if c.Bytes, err = strconv.ParseInt(num(item, "bytes"), 10, 64); err != nil {
		return blobstore.Commit{}, fmt.Errorf("%w: bytes: %w", ErrInvalidCommit, err)
	}
	if c.CommittedAt, err = time.Parse(time.RFC3339Nano, str(item, "committed_at")); err != nil {
		return blobstore.Commit{}, fmt.Errorf("%w: committed_at: %w", ErrInvalidCommit, err)
	}
	return c, nil
}

func str(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func num(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		return v.Value
	}
	return ""
}
